// custodyd runs the custody engine: it resolves the master keys, loads the
// keyring, selects the coordination backends, runs the sweepers and serves
// prometheus metrics until SIGINT or SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/iotaledger/hive.go/logger"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/dueldanov/custody/internal/config"
	"github.com/dueldanov/custody/internal/daemon"
)

var (
	cfgFile  string
	logLevel string
)

func main() {
	v := config.New()

	rootCmd := &cobra.Command{
		Use:          "custodyd",
		Short:        "Custodial wallet key-custody daemon",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v, cfgFile)
			if err != nil {
				return err
			}

			log, err := newRootLogger(logLevel)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			return run(cmd.Context(), log, cfg)
		},
	}

	rootCmd.Flags().StringVar(&cfgFile, "config", "", "config file (YAML)")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.Flags().String("metrics-bind-address", "", "bind address of the /metrics endpoint")
	if err := v.BindPFlag("metrics.bind_address", rootCmd.Flags().Lookup("metrics-bind-address")); err != nil {
		panic(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootLogger(level string) (*logger.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	root, err := cfg.Build()
	if err != nil {
		return nil, err
	}

	return root.Sugar().Named("custodyd"), nil
}

func run(ctx context.Context, log *logger.Logger, cfg *config.Config) error {
	container, err := daemon.NewContainer(ctx, log, cfg)
	if err != nil {
		return err
	}

	d := daemon.New(log.Named("Daemon"))
	custody, err := daemon.Start(container, d)
	if err != nil {
		d.ShutdownAndWait()
		return err
	}
	defer d.ShutdownAndWait()

	server := &http.Server{
		Addr:              cfg.Metrics.BindAddress,
		Handler:           metricsMux(custody),
		ReadHeaderTimeout: 5 * time.Second,
	}

	if err := d.BackgroundWorker("prometheus", func(ctx context.Context) {
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				d.LogErrorf("metrics server stopped: %v", err)
			}
		}()
		d.LogInfof("serving metrics on http://%s/metrics", cfg.Metrics.BindAddress)

		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}, daemon.PriorityPrometheus); err != nil {
		return err
	}

	<-ctx.Done()
	d.LogInfo("shutting down")

	return nil
}

func metricsMux(custody *daemon.Custody) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", custody.Metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(custody.Backends.Name()))
	})

	return mux
}
