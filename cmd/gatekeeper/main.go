package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/gatekeeper"
	"github.com/loykin/gatekeeper/internal/backup"
	"github.com/loykin/gatekeeper/internal/history"
	"github.com/loykin/gatekeeper/internal/history/sqlite"
	"github.com/loykin/gatekeeper/internal/logger"
	"github.com/loykin/gatekeeper/internal/restore"
	"github.com/loykin/gatekeeper/internal/server"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot assembles the CLI command tree.
func buildRoot() *cobra.Command {
	apiFlags := &APIFlags{}
	serveFlags := &ServeFlags{}
	backupFlags := &BackupFlags{}
	restoreFlags := &RestoreFlags{}
	historyFlags := &HistoryFlags{}

	root := &cobra.Command{
		Use:   "gatekeeper",
		Short: "Local gateway lifecycle manager",
		Long: `Gatekeeper supervises a local gateway process: start, stop, orphan
cleanup, and backup/restore of its state directory.

Examples:
  gatekeeper serve --config gatekeeper.toml   # Start the daemon
  gatekeeper start                            # Ask the daemon to start the gateway
  gatekeeper status
  gatekeeper backup --output snapshot.zip
  gatekeeper restore --file snapshot.zip`,
	}

	root.PersistentFlags().StringVar(&apiFlags.URL, "api-url", "", "daemon API base URL (default http://localhost:9921)")
	root.PersistentFlags().DurationVar(&apiFlags.Timeout, "api-timeout", 10*time.Second, "daemon API request timeout")
	root.PersistentFlags().StringVar(&apiFlags.Token, "token", "", "bearer token for the daemon API")

	root.AddCommand(
		createServeCommand(serveFlags),
		createStartCommand(apiFlags),
		createStopCommand(apiFlags),
		createStatusCommand(apiFlags),
		createBackupCommand(apiFlags, backupFlags),
		createRestoreCommand(apiFlags, restoreFlags),
		createDetectCommand(apiFlags),
		createValidateCommand(apiFlags),
		createHistoryCommand(apiFlags, historyFlags),
	)
	return root
}

func createServeCommand(flags *ServeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Run the gatekeeper daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServeCommand(flags, args)
		},
	}
	cmd.Flags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file")
	cmd.Flags().BoolVar(&flags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&flags.LogFile, "logfile", "", "redirect daemon logs to file")
	return cmd
}

func runServeCommand(flags *ServeFlags, args []string) error {
	configPath := flags.ConfigPath
	if len(args) > 0 {
		configPath = args[0]
	}
	if configPath == "" {
		return fmt.Errorf("config file required. Use --config=gatekeeper.toml or provide as argument")
	}

	cfg, err := gatekeeper.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	if flags.Daemonize {
		return daemonize(flags.LogFile)
	}

	log := logger.NewDaemonLogger(cfg.Daemon.LogLevel, cfg.Daemon.LogColor)

	opts, err := cfg.SupervisorOptions()
	if err != nil {
		return fmt.Errorf("error building supervisor options: %w", err)
	}
	opts.Logger = log
	sup := gatekeeper.New(opts)
	rst := restore.New(sup, sup.StateDir(), cfg.Gateway.ShellOrigin, log)

	// History sinks. The first sqlite sink also serves the /history endpoint.
	var sinks []history.Sink
	var histSrc server.HistorySource
	for _, dsn := range cfg.History.Sinks {
		s, err := gatekeeper.NewHistorySink(dsn)
		if err != nil {
			logger.Advisory(log, "history sink", err, "dsn", dsn)
			continue
		}
		sinks = append(sinks, s)
		if sq, ok := s.(*sqlite.Sink); ok && histSrc == nil {
			histSrc = sq
		}
	}
	rec := history.NewRecorder(log, sinks...)
	defer func() { _ = rec.Close() }()

	ctx := context.Background()
	sup.OnEvent(func(kind string, pid, port int, detail string) {
		rec.Record(ctx, history.Event{Type: history.EventType(kind), PID: pid, Port: port, Detail: detail})
	})
	rst.OnEvent(func(kind, detail string) {
		rec.Record(ctx, history.Event{Type: history.EventType(kind), Detail: detail})
	})

	if err := gatekeeper.RegisterMetricsDefault(); err != nil {
		logger.Advisory(log, "register metrics", err)
	}
	if cfg.Server.MetricsListen != "" {
		go func() {
			if err := gatekeeper.ServeMetrics(cfg.Server.MetricsListen); err != nil {
				log.Error("metrics server", "error", err)
			}
		}()
	}

	var scheduler *backup.Scheduler
	if cfg.Backup.AutoInterval > 0 {
		scheduler, err = backup.New(rst, cfg.BackupDir(), cfg.Backup.AutoInterval, cfg.Backup.Retention, log)
		if err != nil {
			return fmt.Errorf("error building backup scheduler: %w", err)
		}
		if err := scheduler.Start(); err != nil {
			return fmt.Errorf("error starting backup scheduler: %w", err)
		}
		log.Info("auto backup enabled", "interval", cfg.Backup.AutoInterval, "dir", cfg.BackupDir())
	}

	// Clean up anything a previous daemon left behind before serving.
	sup.ReapOrphans()

	listen := cfg.Server.Listen
	if listen == "" {
		listen = "127.0.0.1:9921"
	}
	srv, err := gatekeeper.NewHTTPServer(listen, cfg.Server.BasePath, sup, rst, histSrc)
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}
	log.Info("gatekeeper daemon listening", "addr", listen, "base_path", cfg.Server.BasePath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	if scheduler != nil {
		scheduler.Stop()
	}
	sup.Stop()
	return srv.Close()
}

func createStartCommand(api *APIFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the gateway via the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := newClient(api).Start()
			if err != nil {
				return err
			}
			fmt.Printf("gateway %s (pid %d, port %d)\n", st.Phase, st.PID, st.Port)
			return nil
		},
	}
}

func createStopCommand(api *APIFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the gateway via the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient(api).Stop(); err != nil {
				return err
			}
			fmt.Println("gateway stopped")
			return nil
		},
	}
}

func createStatusCommand(api *APIFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the gateway state",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := newClient(api).Status()
			if err != nil {
				return err
			}
			fmt.Printf("phase:  %s\n", st.Phase)
			if st.PID != 0 {
				fmt.Printf("pid:    %d\n", st.PID)
			}
			if st.Port != 0 {
				fmt.Printf("port:   %d\n", st.Port)
			}
			if st.URL != "" {
				fmt.Printf("url:    %s\n", st.URL)
			}
			if st.Details != "" {
				fmt.Printf("detail: %s\n", st.Details)
			}
			return nil
		},
	}
}

func createBackupCommand(api *APIFlags, flags *BackupFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Download a zip snapshot of the gateway state directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newClient(api).Backup()
			if err != nil {
				return err
			}
			out := flags.Output
			if out == "" {
				out = fmt.Sprintf("gateway-backup-%s.zip", time.Now().UTC().Format("20060102-150405"))
			}
			if err := os.WriteFile(out, data, 0o600); err != nil {
				return err
			}
			fmt.Printf("wrote %s (%d bytes)\n", out, len(data))
			return nil
		},
	}
	cmd.Flags().StringVarP(&flags.Output, "output", "o", "", "output path for the snapshot")
	return cmd
}

func createRestoreCommand(api *APIFlags, flags *RestoreFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore the gateway state from an archive or directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			if (flags.File == "") == (flags.Dir == "") {
				return fmt.Errorf("exactly one of --file or --dir required")
			}
			client := newClient(api)
			if flags.Dir != "" {
				st, err := client.RestoreDir(flags.Dir)
				if err != nil {
					return err
				}
				fmt.Printf("restored from %s, gateway %s\n", flags.Dir, st.Phase)
				return nil
			}
			data, err := os.ReadFile(flags.File)
			if err != nil {
				return err
			}
			st, err := client.Restore(data, flags.File)
			if err != nil {
				return err
			}
			fmt.Printf("restored from %s, gateway %s\n", flags.File, st.Phase)
			return nil
		},
	}
	cmd.Flags().StringVar(&flags.File, "file", "", "backup archive (.zip or .tar.gz)")
	cmd.Flags().StringVar(&flags.Dir, "dir", "", "extracted backup directory on the daemon host")
	return cmd
}

func createDetectCommand(api *APIFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "detect",
		Short: "Detect a local gateway install to migrate from",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, found, err := newClient(api).Detect()
			if err != nil {
				return err
			}
			if !found {
				fmt.Println("no local install found")
				return nil
			}
			fmt.Println(dir)
			return nil
		},
	}
}

func createValidateCommand(api *APIFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <dir>",
		Short: "Check whether a directory holds a restorable backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			valid, reason, err := newClient(api).Validate(args[0])
			if err != nil {
				return err
			}
			if !valid {
				return fmt.Errorf("invalid backup: %s", reason)
			}
			fmt.Println("valid")
			return nil
		},
	}
}

func createHistoryCommand(api *APIFlags, flags *HistoryFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent gateway lifecycle events",
		RunE: func(cmd *cobra.Command, args []string) error {
			events, err := newClient(api).History(flags.Limit)
			if err != nil {
				return err
			}
			for _, e := range events {
				line := fmt.Sprintf("%s  %-12s", e.OccurredAt.Format(time.RFC3339), e.Type)
				if e.PID != 0 {
					line += fmt.Sprintf(" pid=%d", e.PID)
				}
				if e.Port != 0 {
					line += fmt.Sprintf(" port=%d", e.Port)
				}
				if e.Detail != "" {
					line += " " + strings.ReplaceAll(e.Detail, "\n", " ")
				}
				fmt.Println(line)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&flags.Limit, "limit", 50, "maximum number of events")
	return cmd
}

func newClient(api *APIFlags) *APIClient {
	return NewAPIClient(api.URL, api.Token, api.Timeout)
}
