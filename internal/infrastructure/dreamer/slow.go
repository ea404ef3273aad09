package dreamer

import (
	"strings"

	"github.com/aagha6/dreamerv3/internal/infrastructure/nets"
)

// SlowUpdater maintains a shadow "slow" parameter set by polyak
// averaging a fast set into it. The slow set is mutated only here,
// never by gradient descent. The first call always performs a full
// copy so the shadow starts in sync; afterwards the blend happens by
// the configured fraction once every period calls.
type SlowUpdater struct {
	src, dst *nets.Params
	fraction float64
	period   int
	updates  int
}

// NewSlowUpdater pairs a fast source with its slow destination. The
// two containers must hold the same parameters modulo area prefix.
func NewSlowUpdater(src, dst *nets.Params, fraction float64, period int) *SlowUpdater {
	if period < 1 {
		period = 1
	}
	return &SlowUpdater{src: src, dst: dst, fraction: fraction, period: period}
}

// Update applies one polyak step.
func (u *SlowUpdater) Update() {
	mix := 0.0
	if u.updates == 0 {
		mix = 1
	} else if u.updates%u.period == 0 {
		mix = u.fraction
	}
	u.updates++
	if mix == 0 {
		return
	}
	srcPrefix := u.src.Area() + "/"
	dstPrefix := u.dst.Area() + "/"
	for _, name := range u.src.Names() {
		suffix := strings.TrimPrefix(name, srcPrefix)
		src := u.src.Node(name).Data
		dst := u.dst.Node(dstPrefix + suffix).Data
		for i := range dst {
			dst[i] = mix*src[i] + (1-mix)*dst[i]
		}
	}
}

// Updates reports how many times Update has been called, for
// checkpointing.
func (u *SlowUpdater) Updates() int { return u.updates }

// SetUpdates restores the call counter from a checkpoint.
func (u *SlowUpdater) SetUpdates(n int) { u.updates = n }
