package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rewired-gh/audiometer/internal/config"
	"github.com/rewired-gh/audiometer/internal/logger"
	"github.com/rewired-gh/audiometer/internal/models"
	"github.com/rewired-gh/audiometer/internal/orchestrator"
	"github.com/rewired-gh/audiometer/internal/patient"
	"github.com/rewired-gh/audiometer/internal/replay"
	"github.com/rewired-gh/audiometer/internal/report"
	"github.com/rewired-gh/audiometer/internal/storage"
	"github.com/rewired-gh/audiometer/internal/telegram"
)

func main() {
	err := newRootCmd().Execute()
	logger.Sync()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	var cfg *config.Config

	root := &cobra.Command{
		Use:           "audiometer",
		Short:         "Autonomous pure-tone audiometry examiner",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			loaded, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if err := loaded.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			logger.Init(loaded.Logging.Level, loaded.Logging.Format, loaded.LogFileOptions())
			if configPath != "" {
				logger.Info("Configuration loaded from %s", configPath)
			}
			cfg = loaded
			return nil
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to configuration file (defaults and AUDIOMETER_* env when empty)")

	root.AddCommand(newRunCmd(&cfg))
	root.AddCommand(newReplayCmd(&cfg))
	root.AddCommand(newReportCmd(&cfg))
	root.AddCommand(newListCmd(&cfg))
	return root
}

func openStorage(cfg *config.Config) (*storage.Storage, error) {
	store, err := storage.New(cfg.Storage.MaxSessions, cfg.Storage.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	return store, nil
}

func closeStorage(store *storage.Storage) {
	if err := store.Close(); err != nil {
		logger.Error("Failed to close storage: %v", err)
	}
}

func newRunCmd(cfg **config.Config) *cobra.Command {
	var profilePath string
	var seed, patientSeed int64
	var showLog, interactive bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a session against a simulated patient",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := *cfg

			profile := patient.DefaultProfile()
			if profilePath != "" {
				p, err := patient.LoadProfile(profilePath)
				if err != nil {
					return err
				}
				profile = p
				logger.Info("Patient profile loaded from %s", profilePath)
			}

			store, err := openStorage(c)
			if err != nil {
				return err
			}
			defer closeStorage(store)

			var tg *telegram.Client
			if c.Telegram.Enabled {
				tg, err = telegram.NewClient(c.Telegram.BotToken, c.Telegram.ChatID, c.Telegram.MaxRetries, c.Telegram.RetryDelay)
				if err != nil {
					return fmt.Errorf("failed to initialize Telegram client: %w", err)
				}
				logger.Info("Telegram client initialized successfully")
			} else {
				logger.Debug("Telegram notifications disabled")
			}

			sessionCfg := c.GetSessionConfig()
			if cmd.Flags().Changed("seed") {
				sessionCfg.Seed = seed
			}
			sim := patient.NewSimulator(profile, patientSeed)
			deps := orchestrator.Deps{Audio: sim, Responses: sim, Persister: store}
			if tg != nil {
				deps.Notifier = tg
			}

			o, err := orchestrator.New(sessionCfg, deps)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			// First signal aborts the session, a second one cancels outright.
			sigChan := make(chan os.Signal, 2)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigChan)
			go func() {
				select {
				case <-sigChan:
				case <-ctx.Done():
					return
				}
				logger.Info("Abort signal received, finalizing session %s", o.ID())
				o.Abort()
				select {
				case <-sigChan:
					logger.Warn("Second signal received, shutting down")
					cancel()
				case <-ctx.Done():
				}
			}()

			if tg != nil {
				tg.ListenForCommands(ctx, telegram.Controls{Snapshot: o.Snapshot, Abort: o.Abort})
			}

			snap, runErr := o.Run(ctx)
			in := bufio.NewReader(cmd.InOrStdin())
			for interactive && errors.Is(runErr, models.ErrSessionAborted) && ctx.Err() == nil {
				if !confirm(cmd.OutOrStdout(), in, "Session aborted. Resume? [y/N] ") {
					break
				}
				snap, runErr = o.Resume(ctx)
			}

			if snap != nil {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), report.Render(snap, report.Options{
					Styles:      report.NewStyles(report.DefaultTheme),
					DecisionLog: showLog,
				}))
			}
			if runErr != nil && !errors.Is(runErr, models.ErrSessionAborted) {
				logger.Error("Session %s failed: %v", o.ID(), runErr)
				if tg != nil {
					if sendErr := tg.SendError(o.ID(), runErr); sendErr != nil {
						logger.Warn("Failed to send error notification to Telegram: %v", sendErr)
					}
				}
				return runErr
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&profilePath, "patient", "", "simulated patient profile (YAML)")
	cmd.Flags().Int64Var(&seed, "seed", 0, "session seed for catch-trial placement (random when unset)")
	cmd.Flags().Int64Var(&patientSeed, "patient-seed", time.Now().UnixNano(), "simulated patient seed")
	cmd.Flags().BoolVar(&showLog, "log", false, "include the decision log in the report")
	cmd.Flags().BoolVar(&interactive, "interactive", false, "offer to resume after an operator abort")
	return cmd
}

func confirm(out io.Writer, in *bufio.Reader, prompt string) bool {
	_, _ = fmt.Fprint(out, prompt)
	line, err := in.ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func newReplayCmd(cfg **config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "replay <session-id>",
		Short: "Re-run a stored session against its recorded responses",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStorage(*cfg)
			if err != nil {
				return err
			}
			defer closeStorage(store)

			stored, err := store.LoadSession(args[0])
			if err != nil {
				return err
			}
			res, err := replay.Run(cmd.Context(), (*cfg).GetSessionConfig(), stored)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if res.Matches() {
				_, _ = fmt.Fprintf(out, "replay of %s matches: %d trials\n", stored.ID, len(res.Replayed.Trials))
				return nil
			}
			for _, d := range res.Diffs {
				_, _ = fmt.Fprintln(out, d)
			}
			if len(res.Missing) > 0 {
				_, _ = fmt.Fprintf(out, "no recorded response for trials %v\n", res.Missing)
			}
			return fmt.Errorf("replay of %s diverged (%d differences)", stored.ID, len(res.Diffs)+len(res.Missing))
		},
	}
}

func newReportCmd(cfg **config.Config) *cobra.Command {
	var showLog bool
	cmd := &cobra.Command{
		Use:   "report <session-id>",
		Short: "Print the report of a stored session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStorage(*cfg)
			if err != nil {
				return err
			}
			defer closeStorage(store)

			s, err := store.LoadSession(args[0])
			if err != nil {
				return err
			}
			opts := report.DefaultOptions()
			opts.DecisionLog = showLog
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), report.Render(s, opts))
			return nil
		},
	}
	cmd.Flags().BoolVar(&showLog, "log", false, "include the decision log")
	return cmd
}

func newListCmd(cfg **config.Config) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored sessions, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStorage(*cfg)
			if err != nil {
				return err
			}
			defer closeStorage(store)

			sessions, err := store.ListSessions(limit)
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "no stored sessions")
				return nil
			}
			rows := make([][]string, 0, len(sessions))
			for _, s := range sessions {
				riskCol := "-"
				if s.RiskCategory != "" {
					riskCol = fmt.Sprintf("%s (%.1f)", s.RiskCategory, s.RiskScore)
				}
				rows = append(rows, []string{
					s.ID,
					string(s.Status),
					s.StartedAt.Local().Format("2006-01-02 15:04"),
					s.EndedAt.Sub(s.StartedAt).Round(time.Second).String(),
					riskCol,
				})
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), report.SessionTable(rows, report.NewStyles(report.DefaultTheme)))
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum sessions to list (0 for all)")
	return cmd
}
