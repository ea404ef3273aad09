// Package main provides the CLI entry point for the dreamer agent.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"

	"github.com/spf13/cobra"

	app "github.com/aagha6/dreamerv3/internal/application/dreamer"
	domain "github.com/aagha6/dreamerv3/internal/domain/dreamer"
	"github.com/aagha6/dreamerv3/internal/infrastructure/checkpoint"
	"github.com/aagha6/dreamerv3/internal/infrastructure/driver"
	"github.com/aagha6/dreamerv3/internal/infrastructure/replay"
)

var version = "0.1.0"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "dreamer",
	Short: "Dreamer - model-based reinforcement learning agent",
	Long: `Dreamer trains a world model from replayed experience and derives
behavior from trajectories imagined inside the model.

It provides:
  - Latent dynamics learning with reward and continuation heads
  - Imagination-based actor-critic with normalized returns
  - A prioritized in-memory replay buffer
  - SQLite checkpoint storage for exact resumption`,
	Version: version,
}

// ============================================================================
// Train Command
// ============================================================================

var (
	trainConfig     string
	trainSteps      int
	trainEnvs       int
	trainPrefill    int
	trainRatio      int
	trainReplayCap  int
	trainCheckpoint string
	trainSaveEvery  int
	trainLogEvery   int
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train the agent on the point-mass control task",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(trainConfig)
		if err != nil {
			return err
		}

		envs := make([]driver.Env, trainEnvs)
		for i := range envs {
			envs[i] = driver.NewPointMass(2, 200, cfg.Seed+uint64(i)+1)
		}
		obs, act := envs[0].Spaces()

		agent, err := app.New(cfg, obs, act, nil)
		if err != nil {
			return fmt.Errorf("failed to create agent: %w", err)
		}

		buffer := replay.NewBuffer(obs, act, trainReplayCap)
		drv, err := driver.New(envs, buffer)
		if err != nil {
			return err
		}

		var store *checkpoint.Store
		updates := 0
		if trainCheckpoint != "" {
			store, err = checkpoint.NewStore(trainCheckpoint)
			if err != nil {
				return err
			}
			defer store.Close()
			var snap app.Snapshot
			step, err := store.Load(context.Background(), "agent", &snap)
			switch {
			case err == nil:
				if err := agent.Restore(&snap); err != nil {
					return fmt.Errorf("failed to restore checkpoint: %w", err)
				}
				updates = int(step)
				fmt.Printf("resumed from checkpoint at update %d\n", updates)
			case errors.Is(err, checkpoint.ErrNotFound):
			default:
				return err
			}
		}

		carry := agent.PolicyInitial(trainEnvs)
		policy := func(obs map[string][]float64, isFirst []float64) ([]float64, error) {
			action, _, next, err := agent.Policy(obs, isFirst, carry, app.ModeTrain)
			if err != nil {
				return nil, err
			}
			carry = next
			return action, nil
		}

		for buffer.Len() < trainPrefill {
			if err := drv.Step(policy); err != nil {
				return err
			}
		}

		rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0xda3e39cb94b95bdb))
		state := agent.TrainInitial(cfg.BatchSize)
		for updates < trainSteps {
			for i := 0; i < trainRatio; i++ {
				if err := drv.Step(policy); err != nil {
					return err
				}
			}
			batch, err := buffer.Sample(cfg.BatchSize, cfg.BatchLength, rng)
			if err != nil {
				return err
			}
			next, outs, metrics, err := agent.Train(batch, state)
			if err != nil {
				return err
			}
			state = next
			buffer.UpdatePriorities(batch.SampleIDs, outs.Priorities)
			updates++

			if trainLogEvery > 0 && updates%trainLogEvery == 0 {
				for k, v := range drv.Stats() {
					metrics[k] = v
				}
				printMetrics(updates, metrics)
			}
			if store != nil && trainSaveEvery > 0 && updates%trainSaveEvery == 0 {
				if err := store.Save(context.Background(), "agent", int64(updates), agent.Snapshot()); err != nil {
					return err
				}
			}
		}
		if store != nil {
			return store.Save(context.Background(), "agent", int64(updates), agent.Snapshot())
		}
		return nil
	},
}

// ============================================================================
// Report Command
// ============================================================================

var (
	reportConfig     string
	reportCheckpoint string
	reportEpisodes   int
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Evaluate a trained agent and print diagnostics",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(reportConfig)
		if err != nil {
			return err
		}
		env := driver.NewPointMass(2, 200, cfg.Seed+1)
		obs, act := env.Spaces()
		agent, err := app.New(cfg, obs, act, nil)
		if err != nil {
			return err
		}
		if reportCheckpoint != "" {
			store, err := checkpoint.NewStore(reportCheckpoint)
			if err != nil {
				return err
			}
			defer store.Close()
			var snap app.Snapshot
			if _, err := store.Load(context.Background(), "agent", &snap); err != nil {
				return err
			}
			if err := agent.Restore(&snap); err != nil {
				return err
			}
		}

		carry := agent.PolicyInitial(1)
		var totals []float64
		for ep := 0; ep < reportEpisodes; ep++ {
			cur := env.Reset()
			first := []float64{1}
			total := 0.0
			for {
				action, _, next, err := agent.Policy(cur, first, carry, app.ModeEval)
				if err != nil {
					return err
				}
				carry = next
				first = []float64{0}
				var reward float64
				var terminal bool
				cur, reward, terminal = env.Step(action)
				total += reward
				if terminal {
					break
				}
			}
			totals = append(totals, total)
		}
		var mean float64
		for _, t := range totals {
			mean += t
		}
		mean /= float64(len(totals))
		fmt.Printf("episodes=%d mean_return=%.3f\n", len(totals), mean)
		return nil
	},
}

// ============================================================================
// Config Command
// ============================================================================

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the default configuration as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := json.MarshalIndent(domain.DefaultConfig(), "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

func loadConfig(path string) (domain.Config, error) {
	cfg := domain.DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, cfg.Validate()
}

func printMetrics(update int, metrics map[string]float64) {
	keys := []string{"model_loss", "actor_loss", "critic_extr_loss", "episode_return", "env_steps"}
	line := fmt.Sprintf("update=%d", update)
	for _, k := range keys {
		if v, ok := metrics[k]; ok {
			line += fmt.Sprintf(" %s=%.4f", k, v)
		}
	}
	fmt.Println(line)
}

func init() {
	trainCmd.Flags().StringVar(&trainConfig, "config", "", "Path to a JSON config file")
	trainCmd.Flags().IntVar(&trainSteps, "updates", 10000, "Number of training updates")
	trainCmd.Flags().IntVar(&trainEnvs, "envs", 4, "Number of parallel environments")
	trainCmd.Flags().IntVar(&trainPrefill, "prefill", 2000, "Steps collected before training starts")
	trainCmd.Flags().IntVar(&trainRatio, "env-steps", 4, "Environment steps per training update")
	trainCmd.Flags().IntVar(&trainReplayCap, "replay-capacity", 100000, "Replay buffer capacity in steps")
	trainCmd.Flags().StringVar(&trainCheckpoint, "checkpoint", "", "Path to the checkpoint database")
	trainCmd.Flags().IntVar(&trainSaveEvery, "save-every", 500, "Updates between checkpoint saves")
	trainCmd.Flags().IntVar(&trainLogEvery, "log-every", 50, "Updates between metric lines")

	reportCmd.Flags().StringVar(&reportConfig, "config", "", "Path to a JSON config file")
	reportCmd.Flags().StringVar(&reportCheckpoint, "checkpoint", "", "Path to the checkpoint database")
	reportCmd.Flags().IntVar(&reportEpisodes, "episodes", 10, "Evaluation episodes")

	rootCmd.AddCommand(trainCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(configCmd)
}
