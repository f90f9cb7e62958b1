package main

import (
	"context"

	"github.com/Gobusters/ectoinject"
	"github.com/Gobusters/ectoinject/ectocontainer"
	"github.com/Gobusters/ectoinject/loglevel"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/thistle/pkg/matching"
	"github.com/Ramsey-B/thistle/pkg/merging"
	"github.com/Ramsey-B/thistle/pkg/recordstore"
)

// registerComponents puts the built engine into a fresh dependency container. Commands
// resolve what they use from it with ectoinject.GetContext once inject has run.
func (a *app) registerComponents() error {
	container, err := ectoinject.NewDIContainer(ectocontainer.DIContainerConfig{
		ID:                       "thistle-" + uuid.NewString(),
		AllowCaptiveDependencies: true,
		LoggerConfig: &ectocontainer.DIContainerLoggerConfig{
			Prefix:   "ectoinject",
			LogLevel: loglevel.WARN,
			Enabled:  true,
			LogFunc: func(ctx context.Context, level, msg string) {
				if level == loglevel.WARN {
					a.logger.WithContext(ctx).Warn(msg)
					return
				}
				a.logger.WithContext(ctx).Debug(msg)
			},
		},
	})
	if err != nil {
		return err
	}

	registrations := []func() error{
		func() error { return ectoinject.RegisterInstance[ectologger.Logger](container, a.logger) },
		func() error { return ectoinject.RegisterInstance[recordstore.Store](container, a.store) },
		func() error { return ectoinject.RegisterInstance[recordstore.SubjectStore](container, a.store) },
		func() error { return ectoinject.RegisterInstance[matching.ConfigSource](container, a.configs) },
		func() error { return ectoinject.RegisterInstance[*matching.Service](container, a.matching) },
		func() error { return ectoinject.RegisterInstance[*merging.Planner](container, a.planner) },
		func() error { return ectoinject.RegisterInstance[*merging.Executor](container, a.executor) },
	}
	for _, register := range registrations {
		if err := register(); err != nil {
			return err
		}
	}

	a.containerID = container.GetContainerID()
	return nil
}

// inject makes the engine container the active one on ctx
func (a *app) inject(ctx context.Context) (context.Context, error) {
	return ectoinject.SetActiveContainer(ctx, a.containerID)
}
