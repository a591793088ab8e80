package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"keyq/internal/app"
	"keyq/internal/storage"
	logx "keyq/pkg/logx"
)

const stopTimeout = 15 * time.Second

func main() {
	var cfgPath string

	rootCmd := &cobra.Command{
		Use:           "keyq",
		Short:         "Per-key priority task scheduler",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "./config.yaml", "path to config (json or yaml)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfgPath)
		},
	}

	checkCmd := &cobra.Command{
		Use:   "check-config",
		Short: "Validate the config file and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.CheckConfig(cfgPath); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "config ok:", cfgPath)
			return nil
		},
	}

	var q storage.Query
	retiredCmd := &cobra.Command{
		Use:   "retired",
		Short: "Print archived queue snapshots as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := app.OpenStore(cfgPath, logx.NewConsole("WARN"))
			if err != nil {
				return err
			}
			defer st.Close()
			recs, err := st.ListRetired(cmd.Context(), q)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, r := range recs {
				if err := enc.Encode(r); err != nil {
					return err
				}
			}
			return nil
		},
	}
	retiredCmd.Flags().StringVar(&q.Key, "key", "", "only this key")
	retiredCmd.Flags().StringVar(&q.RunID, "run", "", "only this run id")
	retiredCmd.Flags().IntVar(&q.Limit, "limit", 100, "max records (0 = all)")

	rootCmd.AddCommand(runCmd, checkCmd, retiredCmd)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	a, err := app.NewApp(cfgPath)
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	if err := a.Start(context.Background()); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}

	var reason app.StopReason
	select {
	case sig := <-sigCh:
		reason = app.StopReasonFromSignal(sig)
	case <-a.Done():
		reason = app.StopFatalError
	}

	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := a.Stop(ctx, reason); err != nil {
		return err
	}
	if reason == app.StopFatalError {
		return a.Err()
	}
	return nil
}
