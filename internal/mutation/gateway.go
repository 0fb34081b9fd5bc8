package mutation

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"avatarctl/internal/apierr"
	"avatarctl/internal/entity"
	"avatarctl/internal/logging"
)

// Executor performs the write against the service. It returns the entity the
// response carried, or a zero Entity when there was none.
type Executor func(ctx context.Context) (entity.Entity, error)

// Mutation is one write and the cache keys it makes stale.
type Mutation struct {
	// Name labels the operation in logs and errors.
	Name    string
	Targets []entity.Key
	Execute Executor
}

// Result describes a successful mutation.
type Result struct {
	// Entity is the server entity from the response, if any.
	Entity entity.Entity
	// Superseded is set when a later mutation of a shared target was submitted
	// before this one resolved.
	Superseded bool
	// Indexes holds the submission index assigned per target key.
	Indexes map[entity.Key]uint64
}

// Invalidator is the part of the cache the gateway writes to.
type Invalidator interface {
	Invalidate(key entity.Key)
}

// Option customises Gateway construction.
type Option func(*Gateway)

// WithLogger sets the gateway logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// WithAuthFailure registers the session-termination path.
func WithAuthFailure(fn func(error)) Option {
	return func(g *Gateway) {
		g.onAuth = fn
	}
}

// Gateway runs writes and keeps the cache consistent with their outcome.
type Gateway struct {
	store  Invalidator
	logger *slog.Logger
	onAuth func(error)

	mu        sync.Mutex
	submitted map[entity.Key]uint64
}

// New builds a Gateway over store.
func New(store Invalidator, opts ...Option) *Gateway {
	g := &Gateway{
		store:     store,
		submitted: map[entity.Key]uint64{},
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = logging.NewComponentLogger(g.logger, "mutation")
	return g
}

// Submit runs m once. On success every target is invalidated; on failure the
// cache is left untouched and the classified error is returned. Submit never
// retries.
func (g *Gateway) Submit(ctx context.Context, m Mutation) (Result, error) {
	name := strings.TrimSpace(m.Name)
	if name == "" {
		name = "mutation"
	}
	if m.Execute == nil {
		return Result{}, apierr.Wrap(apierr.KindValidation, name, "nothing to execute", nil)
	}

	indexes := g.assign(m.Targets)
	logger := logging.WithContext(ctx, g.logger).With(logging.String("operation", name))

	ent, err := m.Execute(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return Result{Indexes: indexes}, err
		}
		err = classify(name, err)
		if apierr.IsAuth(err) && g.onAuth != nil {
			g.onAuth(err)
		}
		logger.Info("mutation rejected",
			logging.String("kind", string(apierr.Classify(err))),
			logging.Error(err),
		)
		return Result{Indexes: indexes}, err
	}

	for _, key := range m.Targets {
		g.store.Invalidate(key)
	}

	res := Result{Entity: ent, Indexes: indexes, Superseded: g.superseded(indexes)}
	logger.Debug("mutation applied",
		logging.Int("targets", len(m.Targets)),
		logging.Bool("superseded", res.Superseded),
	)
	return res, nil
}

// LastIndex returns the most recent submission index for key.
func (g *Gateway) LastIndex(key entity.Key) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.submitted[key]
}

func (g *Gateway) assign(targets []entity.Key) map[entity.Key]uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	indexes := make(map[entity.Key]uint64, len(targets))
	for _, key := range targets {
		if _, dup := indexes[key]; dup {
			continue
		}
		g.submitted[key]++
		indexes[key] = g.submitted[key]
	}
	return indexes
}

func (g *Gateway) superseded(indexes map[entity.Key]uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for key, idx := range indexes {
		if g.submitted[key] > idx {
			return true
		}
	}
	return false
}

func classify(operation string, err error) error {
	var apiErr *apierr.Error
	if errors.As(err, &apiErr) {
		return err
	}
	return apierr.Wrap(apierr.Classify(err), operation, "", err)
}
