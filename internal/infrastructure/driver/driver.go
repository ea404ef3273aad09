// Package driver runs the interaction loop between a policy and a set
// of environments, feeding transitions into the replay buffer.
package driver

import (
	"fmt"
	"math"
	"math/rand/v2"

	domain "github.com/aagha6/dreamerv3/internal/domain/dreamer"
	"github.com/aagha6/dreamerv3/internal/infrastructure/replay"
)

// Env is a single environment instance. Observations are flat float
// vectors keyed by modality.
type Env interface {
	Spaces() (domain.ObsSpace, domain.ActionSpace)
	Reset() map[string][]float64
	Step(action []float64) (obs map[string][]float64, reward float64, terminal bool)
}

// Policy produces one action per environment from a batch of
// observations. It matches the agent's Policy method with the carry
// managed by the caller.
type Policy func(obs map[string][]float64, isFirst []float64) ([]float64, error)

// Driver steps a batch of environments in lockstep.
type Driver struct {
	envs    []Env
	buffer  *replay.Buffer
	obs     domain.ObsSpace
	act     domain.ActionSpace
	current []map[string][]float64
	first   []float64
	returns []float64
	lengths []int

	// Completed episode statistics since the last Stats call.
	epReturns []float64
	epLengths []int
	steps     int
}

// New creates a driver over identical environments. At least one
// environment is required.
func New(envs []Env, buffer *replay.Buffer) (*Driver, error) {
	if len(envs) == 0 {
		return nil, fmt.Errorf("driver: no environments")
	}
	obs, act := envs[0].Spaces()
	d := &Driver{
		envs:    envs,
		buffer:  buffer,
		obs:     obs,
		act:     act,
		current: make([]map[string][]float64, len(envs)),
		first:   make([]float64, len(envs)),
		returns: make([]float64, len(envs)),
		lengths: make([]int, len(envs)),
	}
	for i, env := range envs {
		d.current[i] = env.Reset()
		d.first[i] = 1
	}
	return d, nil
}

// Steps returns the total number of environment steps taken.
func (d *Driver) Steps() int { return d.steps }

// Step advances every environment once under the policy. Each
// transition is recorded with the observation that preceded the action.
func (d *Driver) Step(policy Policy) error {
	n := len(d.envs)
	batched := make(map[string][]float64, len(d.obs.Sizes))
	for k, size := range d.obs.Sizes {
		flat := make([]float64, n*size)
		for i := 0; i < n; i++ {
			copy(flat[i*size:(i+1)*size], d.current[i][k])
		}
		batched[k] = flat
	}
	actions, err := policy(batched, append([]float64(nil), d.first...))
	if err != nil {
		return err
	}
	if len(actions) != n*d.act.Dim {
		return fmt.Errorf("driver: policy returned %d action values, want %d", len(actions), n*d.act.Dim)
	}

	for i, env := range d.envs {
		action := actions[i*d.act.Dim : (i+1)*d.act.Dim]
		next, reward, terminal := env.Step(action)
		d.buffer.Add(i, replay.Step{
			Obs:        cloneObs(d.current[i]),
			Action:     append([]float64(nil), action...),
			Reward:     reward,
			IsFirst:    d.first[i] == 1,
			IsTerminal: terminal,
		})
		d.returns[i] += reward
		d.lengths[i]++
		d.steps++
		d.first[i] = 0
		d.current[i] = next
		if terminal {
			d.epReturns = append(d.epReturns, d.returns[i])
			d.epLengths = append(d.epLengths, d.lengths[i])
			d.returns[i] = 0
			d.lengths[i] = 0
			d.current[i] = env.Reset()
			d.first[i] = 1
		}
	}
	return nil
}

// Stats reports and clears completed-episode statistics.
func (d *Driver) Stats() map[string]float64 {
	out := map[string]float64{"env_steps": float64(d.steps)}
	if len(d.epReturns) > 0 {
		var sumR, sumL float64
		for i := range d.epReturns {
			sumR += d.epReturns[i]
			sumL += float64(d.epLengths[i])
		}
		out["episode_return"] = sumR / float64(len(d.epReturns))
		out["episode_length"] = sumL / float64(len(d.epReturns))
		out["episodes"] = float64(len(d.epReturns))
		d.epReturns = d.epReturns[:0]
		d.epLengths = d.epLengths[:0]
	}
	return out
}

func cloneObs(obs map[string][]float64) map[string][]float64 {
	out := make(map[string][]float64, len(obs))
	for k, v := range obs {
		out[k] = append([]float64(nil), v...)
	}
	return out
}

// PointMass is a small continuous-control environment: a point on a
// line is pushed toward a goal, reward is the negative distance, and
// the episode ends on arrival or after the step limit.
type PointMass struct {
	dim      int
	maxSteps int
	rng      *rand.Rand

	pos, vel, goal []float64
	step           int
}

// NewPointMass creates the environment with the given state dimension.
func NewPointMass(dim, maxSteps int, seed uint64) *PointMass {
	return &PointMass{
		dim:      dim,
		maxSteps: maxSteps,
		rng:      rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// Spaces describes the observation and action interface.
func (e *PointMass) Spaces() (domain.ObsSpace, domain.ActionSpace) {
	return domain.ObsSpace{
			Sizes: map[string]int{"observation": 3 * e.dim},
			Image: map[string]bool{},
		}, domain.ActionSpace{
			Dim:      e.dim,
			Discrete: false,
		}
}

// Reset draws a new start position and goal.
func (e *PointMass) Reset() map[string][]float64 {
	e.pos = make([]float64, e.dim)
	e.vel = make([]float64, e.dim)
	e.goal = make([]float64, e.dim)
	for i := 0; i < e.dim; i++ {
		e.pos[i] = e.rng.Float64()*2 - 1
		e.goal[i] = e.rng.Float64()*2 - 1
	}
	e.step = 0
	return e.observe()
}

// Step applies clipped accelerations and integrates the dynamics.
func (e *PointMass) Step(action []float64) (map[string][]float64, float64, bool) {
	dist := 0.0
	for i := 0; i < e.dim; i++ {
		a := action[i]
		if a > 1 {
			a = 1
		} else if a < -1 {
			a = -1
		}
		e.vel[i] = 0.8*e.vel[i] + 0.1*a
		e.pos[i] += e.vel[i]
		d := e.pos[i] - e.goal[i]
		dist += d * d
	}
	dist = math.Sqrt(dist)
	e.step++
	terminal := dist < 0.05 || e.step >= e.maxSteps
	reward := -dist
	if dist < 0.05 {
		reward += 10
	}
	return e.observe(), reward, terminal
}

func (e *PointMass) observe() map[string][]float64 {
	obs := make([]float64, 0, 3*e.dim)
	obs = append(obs, e.pos...)
	obs = append(obs, e.vel...)
	obs = append(obs, e.goal...)
	return map[string][]float64{"observation": obs}
}
