package studio

import (
	"context"
	"fmt"
	"sync"

	"avatarctl/internal/apierr"
	"avatarctl/internal/entity"
	"avatarctl/internal/logging"
	"avatarctl/internal/poll"
)

// Update is one change reported by Watch.
type Update struct {
	Entity entity.Entity
	// Degraded is set while polling keeps failing and Entity may be stale.
	Degraded bool
}

type watcher struct {
	key    entity.Key
	notify chan struct{}

	mu       sync.Mutex
	latest   entity.Entity
	fresh    bool
	degraded bool
	dirty    bool
	stopped  string
}

func newWatcher(key entity.Key) *watcher {
	return &watcher{key: key, notify: make(chan struct{}, 1)}
}

func (w *watcher) signal() {
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

func (w *watcher) observe(e entity.Entity) {
	w.mu.Lock()
	w.latest = e
	w.fresh = true
	w.mu.Unlock()
	w.signal()
}

func (w *watcher) setDegraded(degraded bool) {
	w.mu.Lock()
	if w.degraded != degraded {
		w.degraded = degraded
		w.dirty = true
	}
	w.mu.Unlock()
	w.signal()
}

func (w *watcher) stop(reason string) {
	w.mu.Lock()
	w.stopped = reason
	w.mu.Unlock()
	w.signal()
}

// Watch observes key until its status is terminal, ctx ends, or the session
// ends. fn is called with the current value and then once per change. The
// last value seen is returned.
func (s *Studio) Watch(ctx context.Context, key entity.Key, fn func(Update)) (entity.Entity, error) {
	if key.IsList() {
		return entity.Entity{}, apierr.Wrap(apierr.KindValidation, "watch", "collections cannot be watched", nil)
	}
	if fn == nil {
		fn = func(Update) {}
	}
	ended := s.endedChan()
	w := newWatcher(key)
	s.addWatcher(w)
	defer s.removeWatcher(w)

	current, stop, err := s.poller.Observe(ctx, key, w.observe)
	if err != nil {
		return entity.Entity{}, s.watchError(err)
	}
	defer stop()

	logger := logging.WithContext(logging.WithEntityKey(ctx, key.String()), s.logger)
	logger.Debug("watch started", logging.String(logging.FieldStatus, string(current.Status)))

	last := current
	s.track(last)
	fn(Update{Entity: last})
	if last.Terminal() {
		return last, nil
	}

	for {
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-ended:
			return last, s.watchError(nil)
		case <-w.notify:
		}

		w.mu.Lock()
		latest, fresh, degraded, dirty, stopped := w.latest, w.fresh, w.degraded, w.dirty, w.stopped
		w.fresh, w.dirty = false, false
		w.mu.Unlock()

		if fresh && !sameView(last, latest) {
			last = latest
			s.track(last)
			fn(Update{Entity: last, Degraded: degraded})
			if last.Terminal() {
				return last, nil
			}
		} else if dirty {
			fn(Update{Entity: last, Degraded: degraded})
		}

		if stopped == poll.StopNotFound {
			if failure := s.cache.Failure(key); failure != nil {
				return last, failure
			}
			return last, apierr.Wrap(apierr.KindNotFound, "watch", fmt.Sprintf("%s no longer exists", key), nil)
		}
	}
}

func (s *Studio) watchError(err error) error {
	if err != nil && !apierr.IsAuth(err) {
		return err
	}
	if cause := s.session.Cause(); cause != nil {
		return cause
	}
	if err != nil {
		return err
	}
	return ErrSessionEnded
}

func sameView(a, b entity.Entity) bool {
	return a.Key == b.Key &&
		a.Status == b.Status &&
		a.UpdatedAt.Equal(b.UpdatedAt) &&
		a.FailureReason == b.FailureReason &&
		string(a.Data) == string(b.Data)
}

func (s *Studio) addWatcher(w *watcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchers[w] = struct{}{}
}

func (s *Studio) removeWatcher(w *watcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.watchers, w)
}

func (s *Studio) watchersOf(key entity.Key) []*watcher {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*watcher
	for w := range s.watchers {
		if w.key == key {
			out = append(out, w)
		}
	}
	return out
}

func (s *Studio) track(e entity.Entity) {
	if s.jobs != nil {
		s.jobs.status(e)
	}
}

// handlePollEvent runs on poller goroutines and must not block.
func (s *Studio) handlePollEvent(ev poll.Event) {
	switch ev.Type {
	case poll.EventDegraded, poll.EventRecovered:
		degraded := ev.Type == poll.EventDegraded
		if s.jobs != nil {
			s.jobs.degraded(ev.Key, degraded)
		}
		for _, w := range s.watchersOf(ev.Key) {
			w.setDegraded(degraded)
		}
	case poll.EventStopped:
		if ev.Reason != poll.StopNotFound {
			return
		}
		if s.jobs != nil {
			s.jobs.remove(ev.Key)
		}
		for _, w := range s.watchersOf(ev.Key) {
			w.stop(ev.Reason)
		}
	}
}
