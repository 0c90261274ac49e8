package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	bridged "github.com/scriptbridge/bridged"
	"github.com/scriptbridge/bridged/internal/svcfields"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("BRIDGED_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "bridged")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if err != context.Canceled {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, _ = signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	return ctx
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	var cfg bridged.Config

	cmd := &cobra.Command{
		Use:           "bridged",
		Short:         "bridged is a local unix-socket daemon executing whitelisted database, crypto, http, ftp, xmldom, and lockfile calls for legacy scripting clients",
		SilenceErrors: true,
		Example: `
  # Listen on the default socket under the temp directory
  bridged

  # Pin the socket path and restrict connections to the daemon's uid
  bridged --socket /run/user/1000/bridged.sock --peer-cred-check

  # Expose Prometheus metrics and allow clients to stop the daemon
  bridged --metrics-listen :9464 --allow-shutdown
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			ctx := cmd.Context()
			cmd.SilenceUsage = true

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}

			if err := bindConfig(&cfg); err != nil {
				return err
			}

			logLevel := strings.TrimSpace(viper.GetString("log-level"))
			if logLevel == "" {
				logLevel = "info"
			}
			if level, ok := pslog.ParseLevel(logLevel); ok {
				logger = logger.LogLevel(level)
				cliLogger = svcfields.WithSubsystem(logger, "cli.root")
			}

			svcfields.WithSubsystem(logger, "daemon.lifecycle.init").Info(
				"welcome to bridged",
				"app", "bridged",
				"version", bridged.Version,
				"pid", os.Getpid(),
				"uid", os.Getuid(),
			)

			server, err := bridged.NewServer(cfg, bridged.WithLogger(logger))
			if err != nil {
				return err
			}

			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = server.Shutdown(shutdownCtx)
			}()

			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()

			return server.Start()
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.bridged/"+bridged.DefaultConfigFileName+")")

	flags := cmd.Flags()
	flags.StringP("socket", "s", bridged.DefaultSocketPath(), "unix socket path to listen on")
	flags.Bool("peer-cred-check", false, "reject connections from other uids (SO_PEERCRED)")
	flags.Bool("allow-shutdown", false, "enable the system.shutdown operation")
	flags.String("max-request-bytes", humanizeBytes(bridged.DefaultMaxRequestBytes), "maximum request payload size")
	flags.Duration("read-timeout", bridged.DefaultReadTimeout, "maximum time to wait for a client to finish writing its request")
	flags.Duration("request-timeout", bridged.DefaultRequestTimeout, "maximum handler execution time per request")
	flags.Duration("reaper-interval", bridged.DefaultReaperInterval, "background sweep cadence for idle handles (negative disables the loop)")
	flags.Duration("idle-threshold", bridged.DefaultIdleThreshold, "idle time before a pooled handle is evicted")
	flags.Int("metrics-window", 0, "latency sample window for percentile reporting (0 uses default)")
	flags.String("metrics-listen", bridged.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", bridged.DefaultPprofListen, "pprof listen address (debug/pprof endpoints; empty disables)")
	flags.Bool("enable-profiling-metrics", false, "enable Go runtime profiling metrics on the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	bindFlag := func(name string) {
		flag := flags.Lookup(name)
		if flag == nil {
			flag = persistentFlags.Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("BRIDGED")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	for _, name := range []string{
		"config",
		"socket", "peer-cred-check", "allow-shutdown",
		"max-request-bytes", "read-timeout", "request-timeout",
		"reaper-interval", "idle-threshold", "metrics-window",
		"metrics-listen", "pprof-listen", "enable-profiling-metrics",
		"otlp-endpoint", "log-level",
	} {
		bindFlag(name)
	}

	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func bindConfig(cfg *bridged.Config) error {
	cfg.SocketPath = viper.GetString("socket")
	cfg.PeerCredCheck = viper.GetBool("peer-cred-check")
	cfg.AllowShutdown = viper.GetBool("allow-shutdown")
	if maxBytes := viper.GetString("max-request-bytes"); maxBytes != "" {
		size, err := humanize.ParseBytes(maxBytes)
		if err != nil {
			return fmt.Errorf("parse max-request-bytes: %w", err)
		}
		cfg.MaxRequestBytes = int64(size)
	}
	cfg.ReadTimeout = viper.GetDuration("read-timeout")
	cfg.RequestTimeout = viper.GetDuration("request-timeout")
	cfg.ReaperInterval = viper.GetDuration("reaper-interval")
	cfg.IdleThreshold = viper.GetDuration("idle-threshold")
	cfg.MetricsWindow = viper.GetInt("metrics-window")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	return nil
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.IBytes(uint64(n)), " ", "")
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if dir, err := bridged.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, bridged.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}
