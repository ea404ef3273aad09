package nets

import (
	"testing"

	"github.com/aagha6/dreamerv3/internal/infrastructure/autodiff"
)

func TestParamsRegisterAndLookup(t *testing.T) {
	p := NewParams("test")
	n := p.Register("layer/kernel", autodiff.Zeros(2, 3))
	if got := p.Node("test/layer/kernel"); got != n {
		t.Fatalf("Node returned a different node")
	}
	if got := p.Count(); got != 6 {
		t.Errorf("Count = %d, want 6", got)
	}

	defer func() {
		if recover() == nil {
			t.Errorf("duplicate Register did not panic")
		}
	}()
	p.Register("layer/kernel", autodiff.Zeros(2, 3))
}

func TestParamsStateRoundTrip(t *testing.T) {
	key := autodiff.NewKey(1)
	p := NewParams("test")
	initDense(p, "dense", 4, 2, key)

	state := p.State()
	// Mutate, then restore.
	for _, name := range p.Names() {
		for i := range p.Node(name).Data {
			p.Node(name).Data[i] = 99
		}
	}
	if err := p.LoadState(state); err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	for name, want := range state {
		got := p.Node(name).Data
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("parameter %s[%d] = %v, want %v", name, i, got[i], want[i])
			}
		}
	}

	if err := p.LoadState(map[string][]float64{}); err == nil {
		t.Errorf("LoadState with missing keys did not fail")
	}
}

func TestParamsMerge(t *testing.T) {
	a := NewParams("a")
	a.Register("x", autodiff.Zeros(1, 1))
	b := NewParams("b")
	b.Register("x", autodiff.Zeros(1, 1))

	merged := Merge(a, b)
	if got := len(merged.Names()); got != 2 {
		t.Fatalf("merged has %d names, want 2", got)
	}
	// The view shares nodes.
	merged.Node("a/x").Data[0] = 7
	if a.Node("a/x").Data[0] != 7 {
		t.Errorf("merge did not share the underlying node")
	}
}

func TestParamsClone(t *testing.T) {
	key := autodiff.NewKey(2)
	p := NewParams("src")
	initDense(p, "dense", 3, 3, key)
	c := p.Clone("dst")

	for _, name := range p.Names() {
		src := p.Node(name)
		dst := c.Node("dst" + name[len("src"):])
		for i := range src.Data {
			if src.Data[i] != dst.Data[i] {
				t.Fatalf("clone value mismatch at %s[%d]", name, i)
			}
		}
		dst.Data[0] = 42
		if src.Data[0] == 42 {
			t.Fatalf("clone shares storage with source")
		}
		break
	}
}
