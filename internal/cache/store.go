package cache

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"avatarctl/internal/entity"
	"avatarctl/internal/logging"
)

// Fetcher loads the current server representation of key.
type Fetcher func(ctx context.Context, key entity.Key) (entity.Entity, error)

// Observer is called with the stored value every time it changes. Observers
// run on the goroutine that applied the change and must not block.
type Observer func(entity.Entity)

// ObserverID identifies one subscription returned by Subscribe.
type ObserverID uint64

// PollHandle is the cancellation side of a poll subscription.
type PollHandle interface {
	Stop()
}

// ErrNoFetcher is returned when neither the caller nor the store can fetch.
var ErrNoFetcher = errors.New("cache: no fetcher for key")

// ErrCleared is returned to fetches that were outstanding when the store was
// cleared.
var ErrCleared = errors.New("cache: store cleared")

const backgroundFetchTimeout = 2 * time.Minute

// Option customises Store construction.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

type entry struct {
	value entity.Entity
	has   bool

	// Generations: issued counts fetches started, applied is the generation
	// of value. A fetch clears the stale mark only if it was issued after
	// staleAt.
	issued  uint64
	applied uint64
	stale   bool
	staleAt uint64

	failure error
	fetcher Fetcher

	observers map[ObserverID]Observer
	poll      PollHandle

	deliverMu sync.Mutex
	delivered uint64
}

// Store is the process-wide entity cache. It is the only path through which
// entities are read.
type Store struct {
	resolver Fetcher
	logger   *slog.Logger
	group    singleflight.Group

	mu           sync.Mutex
	entries      map[entity.Key]*entry
	epoch        uint64
	nextObserver ObserverID
	closed       bool

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup
}

// New builds a Store. resolver is the default fetcher used when callers pass
// nil; it may itself be nil when every caller supplies a fetcher.
func New(resolver Fetcher, opts ...Option) *Store {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		resolver: resolver,
		entries:  map[entity.Key]*entry{},
		bgCtx:    ctx,
		bgCancel: cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.NewComponentLogger(s.logger, "cache")
	return s
}

func (s *Store) entryLocked(key entity.Key) *entry {
	e, ok := s.entries[key]
	if !ok {
		e = &entry{}
		s.entries[key] = e
	}
	return e
}

// Get returns the cached value without touching the network.
func (s *Store) Get(key entity.Key) (entity.Entity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || !e.has {
		return entity.Entity{}, false
	}
	return e.value, true
}

// Stale reports whether key has been invalidated and not yet re-fetched.
func (s *Store) Stale(key entity.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	return ok && e.stale
}

// Failure returns the error of the most recent failed fetch of key, if it
// failed after the stored value was applied.
func (s *Store) Failure(key entity.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		return e.failure
	}
	return nil
}

// EnsureFresh returns the cached value when present and not stale, otherwise
// fetches it. Concurrent callers share a single outstanding request.
func (s *Store) EnsureFresh(ctx context.Context, key entity.Key, fetcher Fetcher) (entity.Entity, error) {
	s.mu.Lock()
	if e, ok := s.entries[key]; ok && e.has && !e.stale {
		v := e.value
		s.mu.Unlock()
		return v, nil
	}
	s.mu.Unlock()
	return s.fetch(ctx, key, fetcher)
}

// Refresh fetches key unconditionally. It starts a new generation even when
// another fetch is outstanding; later EnsureFresh callers join this one.
func (s *Store) Refresh(ctx context.Context, key entity.Key, fetcher Fetcher) (entity.Entity, error) {
	s.group.Forget(key.String())
	return s.fetch(ctx, key, fetcher)
}

func (s *Store) fetch(ctx context.Context, key entity.Key, fetcher Fetcher) (entity.Entity, error) {
	if fetcher == nil {
		fetcher = s.resolver
	}
	if fetcher == nil {
		return entity.Entity{}, ErrNoFetcher
	}

	// The shared fetch outlives any single caller's cancellation; each caller
	// still stops waiting when its own context ends.
	fetchCtx := context.WithoutCancel(ctx)
	ch := s.group.DoChan(key.String(), func() (any, error) {
		gen, epoch := s.issue(key, fetcher)
		v, err := fetcher(logging.WithEntityKey(fetchCtx, key.String()), key)
		return s.apply(key, gen, epoch, v, err)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return entity.Entity{}, res.Err
		}
		return res.Val.(entity.Entity), nil
	case <-ctx.Done():
		return entity.Entity{}, ctx.Err()
	}
}

func (s *Store) issue(key entity.Key, fetcher Fetcher) (uint64, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entryLocked(key)
	e.issued++
	e.fetcher = fetcher
	return e.issued, s.epoch
}

func (s *Store) apply(key entity.Key, gen, epoch uint64, v entity.Entity, fetchErr error) (entity.Entity, error) {
	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		if fetchErr != nil {
			return entity.Entity{}, fetchErr
		}
		return entity.Entity{}, ErrCleared
	}
	e := s.entryLocked(key)

	if fetchErr != nil {
		if gen > e.applied {
			e.failure = fetchErr
		}
		s.mu.Unlock()
		return entity.Entity{}, fetchErr
	}

	if v.Key.IsZero() {
		v.Key = key
	}

	if gen <= e.applied {
		// A newer generation already landed; keep it.
		current, applied := e.value, e.applied
		s.mu.Unlock()
		s.logger.Debug("discarded out-of-order fetch result",
			logging.String(logging.FieldEntityKey, key.String()),
			logging.Uint64("generation", gen),
			logging.Uint64("applied", applied),
		)
		return current, nil
	}

	changed := !e.has || !sameEntity(e.value, v)
	e.value = v
	e.has = true
	e.applied = gen
	e.failure = nil
	if gen > e.staleAt {
		e.stale = false
	}
	var observers []Observer
	if changed {
		observers = make([]Observer, 0, len(e.observers))
		for _, fn := range e.observers {
			observers = append(observers, fn)
		}
	}
	s.mu.Unlock()

	if changed {
		s.deliver(e, gen, v, observers)
	}
	return v, nil
}

func (s *Store) deliver(e *entry, gen uint64, v entity.Entity, observers []Observer) {
	e.deliverMu.Lock()
	defer e.deliverMu.Unlock()
	if gen <= e.delivered {
		return
	}
	e.delivered = gen
	for _, fn := range observers {
		fn(v)
	}
}

func sameEntity(a, b entity.Entity) bool {
	return a.Key == b.Key &&
		a.Status == b.Status &&
		a.UpdatedAt.Equal(b.UpdatedAt) &&
		a.FailureReason == b.FailureReason &&
		bytes.Equal(a.Data, b.Data)
}

// Invalidate marks key stale. The next EnsureFresh re-fetches exactly once;
// fetches issued before this call do not clear the mark. When the key has
// observers the store performs that re-fetch itself in the background.
func (s *Store) Invalidate(key entity.Key) {
	s.mu.Lock()
	e := s.entryLocked(key)
	e.stale = true
	e.staleAt = e.issued
	s.group.Forget(key.String())
	fetcher := e.fetcher
	if fetcher == nil {
		fetcher = s.resolver
	}
	// Add under mu so Close cannot be past Wait when the fetch starts.
	refetch := !s.closed && len(e.observers) > 0 && fetcher != nil
	if refetch {
		s.bg.Add(1)
	}
	s.mu.Unlock()

	if !refetch {
		return
	}
	go func() {
		defer s.bg.Done()
		ctx, cancel := context.WithTimeout(s.bgCtx, backgroundFetchTimeout)
		defer cancel()
		if _, err := s.EnsureFresh(ctx, key, fetcher); err != nil && !errors.Is(err, context.Canceled) {
			logging.WarnWithContext(s.logger, "background refresh failed", "cache_refresh_failed",
				logging.String(logging.FieldEntityKey, key.String()),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "the next poll or watch will retry"),
				logging.String(logging.FieldImpact, "observers keep the previous value"),
			)
		}
	}()
}

// Subscribe registers fn for changes to key.
func (s *Store) Subscribe(key entity.Key, fn Observer) ObserverID {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entryLocked(key)
	if e.observers == nil {
		e.observers = map[ObserverID]Observer{}
	}
	s.nextObserver++
	id := s.nextObserver
	e.observers[id] = fn
	return id
}

// Unsubscribe removes an observer. Removing the last one stops the key's poll
// subscription before Unsubscribe returns.
func (s *Store) Unsubscribe(key entity.Key, id ObserverID) {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(e.observers, id)
	var handle PollHandle
	if len(e.observers) == 0 && e.poll != nil {
		handle = e.poll
		e.poll = nil
	}
	s.mu.Unlock()

	if handle != nil {
		handle.Stop()
	}
}

// ObserverCount returns the number of observers of key.
func (s *Store) ObserverCount(key entity.Key) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		return len(e.observers)
	}
	return 0
}

// AttachPoll registers h as the poll subscription of key. It reports false,
// leaving the registry untouched, when key already has one or has no
// observers.
func (s *Store) AttachPoll(key entity.Key, h PollHandle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entryLocked(key)
	if e.poll != nil || len(e.observers) == 0 {
		return false
	}
	e.poll = h
	return true
}

// Poll returns the poll subscription of key, if any.
func (s *Store) Poll(key entity.Key) (PollHandle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok && e.poll != nil {
		return e.poll, true
	}
	return nil, false
}

// DetachPoll removes h from the registry if it is still the subscription of
// key. It does not stop h.
func (s *Store) DetachPoll(key entity.Key, h PollHandle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok && e.poll == h {
		e.poll = nil
		return true
	}
	return false
}

// Clear drops every entry and stops every poll subscription. Fetches still
// outstanding are discarded when they complete.
func (s *Store) Clear() {
	s.mu.Lock()
	var handles []PollHandle
	for key, e := range s.entries {
		if e.poll != nil {
			handles = append(handles, e.poll)
		}
		s.group.Forget(key.String())
	}
	s.entries = map[entity.Key]*entry{}
	s.epoch++
	s.mu.Unlock()

	for _, h := range handles {
		h.Stop()
	}
	s.logger.Debug("cache cleared", logging.Int("stopped_polls", len(handles)))
}

// Close stops background re-fetches and waits for them to exit.
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.bgCancel()
	s.bg.Wait()
}
