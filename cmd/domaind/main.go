package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	pflag "github.com/spf13/pflag"
	"golang.org/x/time/rate"

	"github.com/quadre-code/domainrpc"
	"github.com/quadre-code/domainrpc/backend"
	"github.com/quadre-code/domainrpc/internal/config"
	"github.com/quadre-code/domainrpc/internal/modules/filewatch"
)

const longHelp = `
domaind hosts editor command domains for a client UI.

Clients connect over WebSocket (serve) or fork domaind and talk to it over
stdin/stdout (stdio). Every server exposes the base domain; further domains
are loaded from the module catalog at startup or by clients at runtime.

Configuration is read from flags, DOMAIND_* environment variables and
$HOME/.domaind/config.toml, in that order of precedence.
`

var exampleUsage = strings.TrimSpace(`
  domaind serve --addr 127.0.0.1:8123 --module filewatch
  domaind stdio --log-level debug
`)

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

func newLogger(level zerolog.Level) zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).
		With().Timestamp().Logger()
}

func main() {
	cfg := config.DefaultConfig()
	var cfgPath string
	log := newLogger(zerolog.InfoLevel)

	root := &cobra.Command{
		Use:           "domaind",
		Short:         "Serve editor command domains over WebSocket or stdio",
		Long:          strings.TrimSpace(longHelp),
		Example:       exampleUsage,
		Version:       fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfgFile := cfgPath
			if cfgFile == "" {
				cfgFile = config.DefaultConfigPath()
			}

			changed := map[string]bool{}
			cmd.Flags().Visit(func(f *pflag.Flag) { changed[f.Name] = true })

			if cfgFile != "" && config.FileExists(cfgFile) {
				fc, err := config.LoadFileConfig(cfgFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				config.ApplyFileConfig(&cfg, fc, changed)
			}
			if err := config.ApplyEnvConfig(&cfg, changed); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			log = newLogger(cfg.Level())
			log.Debug().Interface("config", cfg).Msg("configuration")
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&cfgPath, "config", "", "path to config file (default: $HOME/.domaind/config.toml)")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (trace, debug, info, warn, error)")
	flags.Float64Var(&cfg.RateLimit, "rate-limit", cfg.RateLimit, "inbound frames per second per client")
	flags.IntVar(&cfg.RateBurst, "rate-burst", cfg.RateBurst, "inbound frame burst per client")
	flags.BoolVar(&cfg.RateLimitEnabled, "rate-limit-enabled", cfg.RateLimitEnabled, "enable inbound rate limiting")
	flags.StringSliceVar(&cfg.Modules, "module", cfg.Modules, "catalog module to load at startup (repeatable)")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Listen for WebSocket clients",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, log)
		},
	}
	serve.Flags().StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address")
	serve.Flags().StringVar(&cfg.Path, "path", cfg.Path, "WebSocket endpoint path")
	serve.Flags().StringVar(&cfg.APIPath, "api-path", cfg.APIPath, "domain description endpoint path")

	stdio := &cobra.Command{
		Use:   "stdio",
		Short: "Serve a single client over stdin and stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runStdio(ctx, cfg, log)
		},
	}

	root.AddCommand(serve, stdio)

	if err := root.ExecuteContext(context.Background()); err != nil {
		log.Error().Err(err).Msg("domaind")
		os.Exit(1)
	}
}

// newServer builds a server with the module catalog and loads the startup modules.
func newServer(cfg config.Config, log zerolog.Logger, watcher *filewatch.Watcher) (*backend.Server, error) {
	limits := backend.NoRateLimit()
	if cfg.RateLimitEnabled {
		limits = &backend.RateLimitConfig{
			MessagesPerSecond: rate.Limit(cfg.RateLimit),
			Burst:             cfg.RateBurst,
			Enabled:           true,
		}
	}

	sc := backend.NewConfig(cfg.Addr, limits, backend.AllOrigins(),
		func(peer domainrpc.Peer) {
			log.Info().Str("client", peer.ID()).Str("remote_addr", peer.RemoteAddr()).Msg("client connected")
		},
		func(peer domainrpc.Peer, voluntary bool) {
			log.Info().Str("client", peer.ID()).Bool("voluntary", voluntary).Msg("client disconnected")
		})
	sc.Path = cfg.Path
	sc.APIPath = cfg.APIPath
	sc.Modules[filewatch.Path] = watcher.Register

	srv := backend.New(backend.WithLogger(sc, log))
	if len(cfg.Modules) > 0 {
		if err := srv.LoadModules(cfg.Modules); err != nil {
			return nil, err
		}
	}
	return srv, nil
}

func runServe(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	watcher := filewatch.New(log)
	defer watcher.Close()

	srv, err := newServer(cfg, log, watcher)
	if err != nil {
		return err
	}
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	<-ctx.Done()
	log.Info().Msg("received signal, stopping...")

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Stop(stopCtx)
}

func runStdio(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	watcher := filewatch.New(log)
	defer watcher.Close()

	srv, err := newServer(cfg, log, watcher)
	if err != nil {
		return err
	}

	// Frames own stdout; logs already go to stderr.
	srv.ServeStdio(ctx, os.Stdin, os.Stdout)
	return nil
}
