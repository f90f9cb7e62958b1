package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Ramsey-B/thistle/pkg/kafka"
	"github.com/Ramsey-B/thistle/pkg/processor"
	"github.com/Ramsey-B/thistle/pkg/routes/health"
	"github.com/Ramsey-B/thistle/pkg/server"
	"github.com/Ramsey-B/thistle/pkg/startup"
)

var version = "dev"

func newServeCmd() *cobra.Command {
	var skipMigrations bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the change consumer and the ops server",
		Long: `Connects the registry database, lock store, event stream and lineage graph, then
consumes subject changes and flags duplicates as they are saved. Health and metrics are
served on PORT.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, cleanup, err := bootstrap()
			if err != nil {
				return err
			}
			defer cleanup()
			a.migrate = !skipMigrations
			return a.serve(cmd.Context())
		},
	}
	cmd.Flags().BoolVar(&skipMigrations, "skip-migrations", false, "do not apply pending migrations on start")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		consumer *kafka.Consumer
		srv      *server.Server
		checker  *health.Checker
		srvErr   = make(chan error, 1)
	)

	deps := a.coreDependencies()
	if a.cfg.KafkaConsumerEnabled {
		deps = append(deps, startup.Dependency{
			Name:     depConsumer,
			Requires: []string{depEngine},
			OnStart: func(ctx context.Context) error {
				changes := processor.NewSubjectChangeProcessor(a.logger, a.store, a.matching)
				consumer = kafka.NewConsumer(a.cfg, a.logger, changes.ProcessMessage)
				// the consumer outlives the startup context
				return consumer.Start(context.WithoutCancel(ctx))
			},
			OnStop: func(context.Context) error {
				if consumer == nil {
					return nil
				}
				return consumer.Stop()
			},
		})
	}

	serverRequires := []string{depEngine}
	if a.cfg.KafkaConsumerEnabled {
		serverRequires = append(serverRequires, depConsumer)
	}
	deps = append(deps, startup.Dependency{
		Name:     depServer,
		Requires: serverRequires,
		OnStart: func(context.Context) error {
			checker = health.NewChecker(version, a.backends(consumer)...)
			srv = server.New(a.cfg.AppName, a.cfg.Port, checker, a.logger)
			go func() { srvErr <- srv.Start() }()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if srv == nil {
				return nil
			}
			return srv.Shutdown(ctx)
		},
	})

	s, err := a.start(ctx, deps...)
	if err != nil {
		a.logger.WithError(err).Error("Failed to start thistle")
		return err
	}
	checker.SetReady(true)
	a.logger.WithField("port", a.cfg.Port).Info("Thistle started")

	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	defer signal.Stop(reload)

wait:
	for {
		select {
		case <-reload:
			// a bad file keeps the previous rules active
			_ = a.configs.Refresh(ctx)
		case <-ctx.Done():
			a.logger.Info("Shutting down")
			break wait
		case err = <-srvErr:
			if err != nil {
				a.logger.WithError(err).Error("Ops server stopped")
			}
			break wait
		}
	}

	checker.SetReady(false)
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if stopErr := s.Stop(stopCtx); stopErr != nil {
		a.logger.WithError(stopErr).Error("Failed to stop cleanly")
		if err == nil {
			err = stopErr
		}
	}
	return err
}
