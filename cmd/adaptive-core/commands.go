package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run improvement cycles until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := build(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		server := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.HealthPort),
			Handler:           a.health.Router(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("Health server listening", "port", cfg.HealthPort)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Health server failed", "error", err)
			}
		}()

		logger.Info("Starting adaptive core",
			"service", cfg.ServiceName,
			"store", cfg.StoreBackend,
			"oracle", cfg.OracleBackend,
			"cycle_interval", cfg.CycleInterval)
		runErr := a.engine.Run(ctx, cfg.CycleInterval)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Health server shutdown failed", "error", err)
		}
		if runErr != nil {
			return runErr
		}
		// Leave a checkpoint of the final state for the next start.
		_, err = a.engine.Checkpoint(shutdownCtx)
		return err
	},
}

var cycles int

var cycleCmd = &cobra.Command{
	Use:   "cycle",
	Short: "Run a fixed number of cycles and print their reports",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, a *app) error {
			for i := 0; i < cycles; i++ {
				report, err := a.engine.RunCycle(ctx)
				if err != nil {
					return err
				}
				if err := printJSON(report); err != nil {
					return err
				}
			}
			return nil
		})
	},
}

var reasonCmd = &cobra.Command{
	Use:   "reason <query>",
	Short: "Answer one query from memory or the oracle",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, a *app) error {
			ans, err := a.engine.Reason(ctx, args[0])
			if err != nil {
				return err
			}
			if _, err := a.engine.Checkpoint(ctx); err != nil {
				return err
			}
			return printJSON(ans)
		})
	},
}

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Write a checkpoint of the current state",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, a *app) error {
			m, err := a.engine.Checkpoint(ctx)
			if err != nil {
				return err
			}
			return printJSON(m)
		})
	},
}

var checkpointListCmd = &cobra.Command{
	Use:   "list",
	Short: "List checkpoints, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			manifests, err := a.engine.Checkpoints()
			if err != nil {
				return err
			}
			return printJSON(manifests)
		})
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore <name>",
	Short: "Restore a named checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if err := a.engine.Restore(ctx, args[0]); err != nil {
				return err
			}
			// Record the restored state as the newest checkpoint.
			m, err := a.engine.Checkpoint(ctx)
			if err != nil {
				return err
			}
			logger.Info("Checkpoint restored", "name", args[0], "mode", a.engine.Mode(), "checkpoint", m.Name)
			return printJSON(m)
		})
	},
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Print the current metrics snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, a *app) error {
			snap, err := a.engine.MetricsSnapshot(ctx)
			if err != nil {
				return err
			}
			return printJSON(snap)
		})
	},
}

func init() {
	cycleCmd.Flags().IntVarP(&cycles, "count", "n", 1, "Number of cycles to run")
	checkpointCmd.AddCommand(checkpointListCmd)
	rootCmd.AddCommand(runCmd, cycleCmd, reasonCmd, checkpointCmd, restoreCmd, snapshotCmd)
}

// withApp builds the app without starting the engine
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// withEngine builds the app and starts the engine from its newest checkpoint
func withEngine(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		if err := a.engine.Start(ctx); err != nil {
			return err
		}
		return fn(ctx, a)
	})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
