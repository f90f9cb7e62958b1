package review

import (
	"context"

	"github.com/Gobusters/ectoinject"
	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/thistle/pkg/errors"
	"github.com/Ramsey-B/thistle/pkg/matching"
	"github.com/Ramsey-B/thistle/pkg/merging"
	"github.com/Ramsey-B/thistle/pkg/recordstore"
)

// Open resolves the engine services from the dependency container active on ctx and
// loads a session for primaryID.
func Open(ctx context.Context, primaryID int64) (*Session, error) {
	deps, err := resolveDeps(ctx)
	if err != nil {
		return nil, errors.NewConfigurationErrorf("review services are not registered: %w", err)
	}

	s := NewSession(deps, primaryID)
	if err := s.Load(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func resolveDeps(ctx context.Context) (Deps, error) {
	var deps Deps
	var err error

	if ctx, deps.Store, err = ectoinject.GetContext[recordstore.SubjectStore](ctx); err != nil {
		return deps, err
	}
	if ctx, deps.Matching, err = ectoinject.GetContext[*matching.Service](ctx); err != nil {
		return deps, err
	}
	if ctx, deps.Configs, err = ectoinject.GetContext[matching.ConfigSource](ctx); err != nil {
		return deps, err
	}
	if ctx, deps.Planner, err = ectoinject.GetContext[*merging.Planner](ctx); err != nil {
		return deps, err
	}
	if ctx, deps.Executor, err = ectoinject.GetContext[*merging.Executor](ctx); err != nil {
		return deps, err
	}
	if _, deps.Logger, err = ectoinject.GetContext[ectologger.Logger](ctx); err != nil {
		return deps, err
	}
	return deps, nil
}
