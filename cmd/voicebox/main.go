package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vango-go/vai-voicebox/pkg/gateway/config"
	"github.com/vango-go/vai-voicebox/pkg/gateway/device/protocol"
	gatewayserver "github.com/vango-go/vai-voicebox/pkg/gateway/server"
)

type serveDeps struct {
	buildApp     func(context.Context, config.Config, *slog.Logger) (*app, error)
	listen       func(addr string) (net.Listener, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultServeDeps() serveDeps {
	return serveDeps{
		buildApp: buildApp,
		listen: func(addr string) (net.Listener, error) {
			return net.Listen("tcp", addr)
		},
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func newRootCmd(ctx context.Context, stderr io.Writer, deps serveDeps) *cobra.Command {
	v := config.New()
	var configFile string

	serve := func(_ *cobra.Command, _ []string) error {
		cfg, err := config.Load(v, configFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		return runServe(ctx, cfg, newLogger(stderr, cfg), deps)
	}

	rootCmd := &cobra.Command{
		Use:           "voicebox",
		Short:         "Voice session server for ESP32 speaker devices",
		Long:          "voicebox accepts device audio over websocket, runs speech recognition, dialogue and synthesis, and streams the spoken reply back.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve,
	}
	rootCmd.SetErr(stderr)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "optional config file (yaml, json or toml); environment overrides it")
	flags.String("addr", "", "listen address (default :8000)")
	flags.String("log-level", "", "debug|info|warn|error")
	flags.String("loopback-wav", "", "reply to every utterance with this WAV instead of the speech pipeline")
	// An explicitly set flag wins over env and file values.
	_ = v.BindPFlag("addr", flags.Lookup("addr"))
	_ = v.BindPFlag("log_level", flags.Lookup("log-level"))
	_ = v.BindPFlag("loopback_wav", flags.Lookup("loopback-wav"))

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the voice server (default command)",
		Args:  cobra.NoArgs,
		RunE:  serve,
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "check-config",
		Short: "Load and validate configuration, then exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v, configFile)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config ok: addr=%s memory=%s dialogue=%s loopback=%t\n",
				cfg.Addr, cfg.MemoryBackend, cfg.DialogueProvider, cfg.Loopback())
			return nil
		},
	})
	return rootCmd
}

func newLogger(w io.Writer, cfg config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func runServe(ctx context.Context, cfg config.Config, logger *slog.Logger, deps serveDeps) error {
	if deps.buildApp == nil || deps.listen == nil {
		return errors.New("missing serve dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	a, err := deps.buildApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build app: %w", err)
	}
	defer a.Close()

	// Turns may outlive their connection; this context bounds them at exit.
	turnCtx, cancelTurns := context.WithCancel(context.Background())
	defer cancelTurns()
	a.deps.BaseContext = turnCtx

	gw := gatewayserver.New(a.deps)
	httpSrv := buildHTTPServer(cfg, gw.Handler())

	ln, err := deps.listen(cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	logger.Info("starting voicebox",
		"addr", ln.Addr().String(),
		"memory_backend", cfg.MemoryBackend,
		"dialogue_provider", cfg.DialogueProvider,
		"loopback", cfg.Loopback(),
	)

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case sig := <-sigCh:
			logger.Info("shutdown signal received", "signal", sig.String())
		}
		return shutdown(cfg, gw, httpSrv, cancelTurns, logger)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("voicebox stopped")
	return nil
}

func shutdown(cfg config.Config, gw *gatewayserver.Server, httpSrv *http.Server, cancelTurns context.CancelFunc, logger *slog.Logger) error {
	gw.Lifecycle().BeginDrain()
	sessions := gw.Sessions()
	if n := sessions.NotifyAll(protocol.EventServerDraining); n > 0 {
		logger.Info("warned device sessions of shutdown", "sessions", n)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	shutdownErr := httpSrv.Shutdown(shutdownCtx)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !sessions.Wait(waitCtx) {
		n := sessions.CancelAll()
		logger.Warn("cancelled device sessions still open after grace period", "sessions", n)
		cancelTurns()
		sessions.Wait(context.Background())
	}
	cancelTurns()

	if shutdownErr != nil {
		return fmt.Errorf("shutdown http server: %w", shutdownErr)
	}
	return nil
}

func runMain(ctx context.Context, args []string, stderr io.Writer, deps serveDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(stderr, "voicebox: load .env: %v\n", err)
		return 1
	}

	cmd := newRootCmd(ctx, stderr, deps)
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(stderr, "voicebox: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Args[1:], os.Stderr, defaultServeDeps()))
}
