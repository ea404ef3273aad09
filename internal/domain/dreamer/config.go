package dreamer

import "fmt"

// OptConfig holds hyperparameters for one optimizer instance.
type OptConfig struct {
	LR        float64 `json:"lr"`
	Eps       float64 `json:"eps"`
	Clip      float64 `json:"clip"`
	Warmup    int     `json:"warmup"`
	WD        float64 `json:"wd"`
	WDPattern string  `json:"wdPattern"`
	Freeze    int     `json:"freeze"`
	Scaling   bool    `json:"scaling"`
}

// HeadConfig holds hyperparameters for one prediction head.
type HeadConfig struct {
	Layers int    `json:"layers"`
	Units  int    `json:"units"`
	Dist   string `json:"dist"`
	Bins   int    `json:"bins"`
	Grad   bool   `json:"grad"`
}

// EncoderConfig holds hyperparameters for the observation encoder.
type EncoderConfig struct {
	Layers int  `json:"layers"`
	Units  int  `json:"units"`
	Embed  int  `json:"embed"`
	Symlog bool `json:"symlog"`
}

// DecoderConfig holds hyperparameters for the observation decoder.
type DecoderConfig struct {
	Enabled bool   `json:"enabled"`
	Layers  int    `json:"layers"`
	Units   int    `json:"units"`
	Dist    string `json:"dist"`
	MLPKeys string `json:"mlpKeys"`
}

// AugConfig holds hyperparameters for the self-supervised clustering
// auxiliary and its data augmentation.
type AugConfig struct {
	SwAV          bool    `json:"swav"`
	MaxDelta      int     `json:"maxDelta"`
	Proto         int     `json:"proto"`
	Prototypes    int     `json:"prototypes"`
	Normalizer    string  `json:"normalizer"`
	SinkhornIters int     `json:"sinkhornIters"`
	Temperature   float64 `json:"temperature"`
}

// ActorConfig holds hyperparameters for the policy network.
type ActorConfig struct {
	Layers   int     `json:"layers"`
	Units    int     `json:"units"`
	DistCont string  `json:"distCont"`
	DistDisc string  `json:"distDisc"`
	MinStd   float64 `json:"minStd"`
	MaxStd   float64 `json:"maxStd"`
}

// MomentsConfig holds hyperparameters for a running-statistics normalizer.
type MomentsConfig struct {
	Impl   string  `json:"impl"`
	Decay  float64 `json:"decay"`
	Max    float64 `json:"max"`
	Eps    float64 `json:"eps"`
	PercLo float64 `json:"percLo"`
	PercHi float64 `json:"percHi"`
}

// Config is the full hyperparameter surface of the agent. Unknown or
// inconsistent combinations fail fast in Validate.
type Config struct {
	Deter   int `json:"deter"`
	Stoch   int `json:"stoch"`
	Classes int `json:"classes"`
	Hidden  int `json:"hidden"`

	Encoder  EncoderConfig `json:"encoder"`
	Decoder  DecoderConfig `json:"decoder"`
	Reward   HeadConfig    `json:"reward"`
	Cont     HeadConfig    `json:"cont"`
	Actor    ActorConfig   `json:"actor"`
	Critic   HeadConfig    `json:"critic"`
	RetNorm  MomentsConfig `json:"retnorm"`
	Aug      AugConfig     `json:"aug"`
	ModelOpt OptConfig     `json:"modelOpt"`
	ActorOpt OptConfig     `json:"actorOpt"`
	CriticOpt OptConfig    `json:"criticOpt"`

	FreeNats float64 `json:"freeNats"`

	ImagHorizon  int     `json:"imagHorizon"`
	ImagUnroll   int     `json:"imagUnroll"`
	Horizon      float64 `json:"horizon"`
	ReturnLambda float64 `json:"returnLambda"`
	ActEnt       float64 `json:"actent"`

	SlowCriticFraction float64 `json:"slowCriticFraction"`
	SlowCriticUpdate   int     `json:"slowCriticUpdate"`
	CriticSlowReg      string  `json:"criticSlowReg"`

	LossScales map[string]float64 `json:"lossScales"`
	CriticScales map[string]float64 `json:"criticScales"`

	ActorGradCont string `json:"actorGradCont"`
	ActorGradDisc string `json:"actorGradDisc"`

	BatchSize   int `json:"batchSize"`
	BatchLength int `json:"batchLength"`

	Seed uint64 `json:"seed"`
}

// DefaultConfig returns the hyperparameters used for proprioceptive
// control tasks.
func DefaultConfig() Config {
	return Config{
		Deter:   512,
		Stoch:   32,
		Classes: 32,
		Hidden:  512,
		Encoder: EncoderConfig{Layers: 3, Units: 512, Embed: 512, Symlog: true},
		Decoder: DecoderConfig{Enabled: true, Layers: 3, Units: 512, Dist: "symlog_mse", MLPKeys: "observation"},
		Reward:  HeadConfig{Layers: 2, Units: 512, Dist: "twohot", Bins: 255, Grad: true},
		Cont:    HeadConfig{Layers: 2, Units: 512, Dist: "bernoulli", Grad: true},
		Actor: ActorConfig{
			Layers: 3, Units: 512,
			DistCont: "gaussian", DistDisc: "onehot",
			MinStd: 0.1, MaxStd: 1.0,
		},
		Critic:  HeadConfig{Layers: 3, Units: 512, Dist: "twohot", Bins: 255},
		RetNorm: MomentsConfig{Impl: "perc_ema", Decay: 0.99, Max: 1.0, PercLo: 5, PercHi: 95},
		Aug: AugConfig{
			SwAV: false, MaxDelta: 3, Proto: 32, Prototypes: 0,
			Normalizer: "sinkhorn", SinkhornIters: 3, Temperature: 0.1,
		},
		ModelOpt:  OptConfig{LR: 1e-4, Eps: 1e-8, Clip: 1000, WDPattern: `/kernel$`, Freeze: 10000},
		ActorOpt:  OptConfig{LR: 3e-5, Eps: 1e-5, Clip: 100},
		CriticOpt: OptConfig{LR: 3e-5, Eps: 1e-5, Clip: 100},

		FreeNats: 1.0,

		ImagHorizon:  15,
		ImagUnroll:   0,
		Horizon:      333,
		ReturnLambda: 0.95,
		ActEnt:       3e-4,

		SlowCriticFraction: 0.02,
		SlowCriticUpdate:   1,
		CriticSlowReg:      "logprob",

		LossScales: map[string]float64{
			"dyn": 0.5, "rep": 0.1, "reward": 1, "cont": 1,
			"proto": 1, "decoder": 1, "actor": 1, "critic": 1, "slowreg": 1,
		},
		CriticScales: map[string]float64{"extr": 1},

		ActorGradCont: "backprop",
		ActorGradDisc: "reinforce",

		BatchSize:   16,
		BatchLength: 64,

		Seed: 0,
	}
}

// Validate checks option combinations. Errors here are permanent,
// construction must not proceed.
func (c Config) Validate() error {
	if c.Deter <= 0 || c.Stoch <= 0 {
		return fmt.Errorf("%w: deter and stoch must be positive", ErrInvalidConfig)
	}
	if c.Classes < 0 {
		return fmt.Errorf("%w: classes must be non-negative", ErrInvalidConfig)
	}
	if c.Hidden <= 0 {
		return fmt.Errorf("%w: hidden must be positive", ErrInvalidConfig)
	}
	if c.ImagHorizon < 1 {
		return fmt.Errorf("%w: imagHorizon must be at least 1", ErrInvalidConfig)
	}
	if c.Horizon <= 1 {
		return fmt.Errorf("%w: horizon must exceed 1", ErrInvalidConfig)
	}
	if c.ReturnLambda < 0 || c.ReturnLambda > 1 {
		return fmt.Errorf("%w: returnLambda must be in [0,1]", ErrInvalidConfig)
	}
	if c.SlowCriticUpdate < 1 {
		return fmt.Errorf("%w: slowCriticUpdate must be at least 1", ErrInvalidConfig)
	}
	if c.SlowCriticFraction < 0 || c.SlowCriticFraction > 1 {
		return fmt.Errorf("%w: slowCriticFraction must be in [0,1]", ErrInvalidConfig)
	}
	if c.CriticSlowReg != "logprob" && c.CriticSlowReg != "xent" {
		return fmt.Errorf("%w: criticSlowReg %q", ErrNotImplemented, c.CriticSlowReg)
	}
	if c.Aug.SwAV && c.Decoder.MLPKeys == "embed" {
		return fmt.Errorf("%w: decoding the embedding is incompatible with the swav auxiliary", ErrInvalidConfig)
	}
	if c.Aug.SwAV {
		if c.Aug.Proto <= 0 {
			return fmt.Errorf("%w: aug.proto must be positive when swav is enabled", ErrInvalidConfig)
		}
		switch c.Aug.Normalizer {
		case "sinkhorn", "softmax":
		default:
			return fmt.Errorf("%w: proto normalizer %q", ErrNotImplemented, c.Aug.Normalizer)
		}
	}
	switch c.ActorGradCont {
	case "backprop", "reinforce":
	default:
		return fmt.Errorf("%w: actor gradient %q", ErrNotImplemented, c.ActorGradCont)
	}
	switch c.ActorGradDisc {
	case "backprop", "reinforce":
	default:
		return fmt.Errorf("%w: actor gradient %q", ErrNotImplemented, c.ActorGradDisc)
	}
	for _, moc := range []MomentsConfig{c.RetNorm} {
		switch moc.Impl {
		case "off", "mean_std", "min_max", "perc_ema", "perc_ema_corr", "mean_mag", "max_mag":
		default:
			return fmt.Errorf("%w: moments impl %q", ErrNotImplemented, moc.Impl)
		}
	}
	for _, oc := range []OptConfig{c.ModelOpt, c.ActorOpt, c.CriticOpt} {
		if oc.LR <= 0 {
			return fmt.Errorf("%w: optimizer learning rate must be positive", ErrInvalidConfig)
		}
		if oc.Warmup < 0 || oc.Freeze < 0 {
			return fmt.Errorf("%w: optimizer warmup and freeze must be non-negative", ErrInvalidConfig)
		}
	}
	if c.BatchSize < 1 || c.BatchLength < 2 {
		return fmt.Errorf("%w: batchSize must be at least 1 and batchLength at least 2", ErrInvalidConfig)
	}
	return nil
}

// NumPrototypes returns the configured prototype count, defaulting to
// one prototype per batch cell as in the published setup.
func (c Config) NumPrototypes() int {
	if c.Aug.Prototypes > 0 {
		return c.Aug.Prototypes
	}
	return c.BatchSize * c.BatchLength
}

// Discount returns the per-step discount implied by the horizon.
func (c Config) Discount() float64 {
	return 1 - 1/c.Horizon
}
