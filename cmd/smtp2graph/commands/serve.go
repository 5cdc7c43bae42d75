package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/busybox42/smtp2graph/internal/api"
	"github.com/busybox42/smtp2graph/internal/config"
	"github.com/busybox42/smtp2graph/internal/graph"
	"github.com/busybox42/smtp2graph/internal/logging"
	"github.com/busybox42/smtp2graph/internal/queue"
	"github.com/busybox42/smtp2graph/internal/ratelimit"
	"github.com/busybox42/smtp2graph/internal/smtp"
	"github.com/busybox42/smtp2graph/internal/version"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay",
		Long: `Run the relay in the configured mode: "full" receives and sends, "receive"
only accepts mail into the queue and "send" only drains the queue.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if port > 0 {
				cfg.Receive.Port = port
			}
			if err := config.Validate(cfg).Err(); err != nil {
				return err
			}
			if err := config.CheckFiles(cfg); err != nil {
				return err
			}

			logger, closer, err := logging.New(cfg.Log, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer closer.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runRelay(ctx, cfg, logger)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "override receive.port")
	return cmd
}

// runRelay starts the parts selected by cfg.Mode and blocks until ctx is
// cancelled or one of them fails. Startup failures are returned before
// anything is left running.
func runRelay(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	logger.Info("Starting relay", "version", version.Version, "mode", string(cfg.Mode))

	km, err := config.LoadKeyMaterial(cfg)
	if err != nil {
		return err
	}

	storage, err := queue.NewFileStorage(cfg.Queue.Root)
	if err != nil {
		return err
	}
	if n, err := storage.CleanTemp(); err != nil {
		logger.Warn("Failed to clean temp area", "error", err)
	} else if n > 0 {
		logger.Info("Removed incomplete messages from temp area", "count", n)
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Mode.Sends() {
		processor, err := newProcessor(cfg, km, storage, logger)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return processor.Run(gctx)
		})
	}

	if cfg.Mode.Receives() {
		server, store, err := newSMTPServer(cfg, km, storage, logger)
		if err != nil {
			return abort(g, err)
		}
		if err := server.Start(); err != nil {
			store.Close()
			return abort(g, err)
		}
		g.Go(func() error {
			defer store.Close()
			<-gctx.Done()
			if err := server.Close(); err != nil {
				logger.Warn("Error closing SMTP listener", "error", err)
			}
			return server.Wait()
		})
	}

	if cfg.Metrics.Enabled {
		apiServer := api.NewServer(cfg.Metrics.ListenAddress, storage, logger)
		if err := apiServer.Start(); err != nil {
			return abort(g, err)
		}
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return apiServer.Shutdown(sctx)
		})
	}

	logger.Info("Relay started")
	err = g.Wait()
	if err != nil {
		logger.Error("Relay stopped with error", "error", err)
		return err
	}
	logger.Info("Shutdown complete")
	return nil
}

// abort stops the parts already started and returns err
func abort(g *errgroup.Group, err error) error {
	g.Go(func() error { return err })
	_ = g.Wait()
	return err
}

func newProcessor(cfg config.Config, km config.KeyMaterial, storage *queue.FileStorage, logger *slog.Logger) (*queue.Processor, error) {
	client := graph.NewHTTPClient(cfg.ProxyURL())

	tokens, err := graph.NewTokenCache(graph.CredentialsFromConfig(cfg, km), client, logger)
	if err != nil {
		return nil, err
	}

	dispatcher := graph.NewDispatcher(tokens, graph.Options{
		ForceMailbox: cfg.Send.ForceMailbox,
		Client:       client,
		Logger:       logger,
	})

	return queue.NewProcessor(storage, dispatcher, queue.ProcessorConfig{
		RetryLimit:    cfg.Send.RetryLimit,
		RetryInterval: cfg.RetryInterval(),
	}, logger), nil
}

func newSMTPServer(cfg config.Config, km config.KeyMaterial, storage *queue.FileStorage, logger *slog.Logger) (*smtp.Server, ratelimit.Store, error) {
	smtpConfig, err := smtp.NewConfig(cfg, km)
	if err != nil {
		return nil, nil, err
	}

	store, err := ratelimit.NewStore(cfg.RateStore)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create rate limit store: %w", err)
	}

	gateway, err := smtp.NewGateway(cfg.Receive, store, logger)
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	server, err := smtp.NewServer(smtpConfig, gateway, storage, logger)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return server, store, nil
}
