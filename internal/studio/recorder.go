package studio

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"avatarctl/internal/entity"
	"avatarctl/internal/ledger"
	"avatarctl/internal/logging"
)

var errRecorderClosed = errors.New("ledger recorder closed")

const (
	recorderQueueSize = 128
	recorderOpTimeout = 5 * time.Second
)

type ledgerOp struct {
	name string
	key  entity.Key
	run  func(ctx context.Context, store *ledger.Store) error
}

// recorder applies ledger writes on one goroutine so that cache observers
// and poll hooks never wait on SQLite.
type recorder struct {
	store  *ledger.Store
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	ops    chan ledgerOp
	done   chan struct{}
}

func newRecorder(store *ledger.Store, logger *slog.Logger) *recorder {
	r := &recorder{
		store:  store,
		logger: logging.NewComponentLogger(logger, "ledger"),
		ops:    make(chan ledgerOp, recorderQueueSize),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *recorder) run() {
	defer close(r.done)
	for op := range r.ops {
		ctx, cancel := context.WithTimeout(context.Background(), recorderOpTimeout)
		err := op.run(ctx, r.store)
		cancel()
		if err != nil {
			logging.WarnWithContext(r.logger, "ledger write failed", "ledger_write_failed",
				logging.String("operation", op.name),
				logging.String(logging.FieldEntityKey, op.key.String()),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check that the ledger database is writable"),
				logging.String(logging.FieldImpact, "jobs listing may show an outdated status"),
			)
		}
	}
}

// enqueue never blocks; writes are dropped when the queue is full or closed.
func (r *recorder) enqueue(op ledgerOp) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.ops <- op:
	default:
		r.logger.Debug("ledger queue full, dropping write",
			logging.String("operation", op.name),
			logging.String(logging.FieldEntityKey, op.key.String()),
		)
	}
}

// record queues the start of a job behind every write already queued and
// waits for it, so a status update from an earlier watch of the same key
// cannot overwrite the new job.
func (r *recorder) record(ctx context.Context, key entity.Key, label string, status entity.Status) error {
	result := make(chan error, 1)
	op := ledgerOp{name: "record", key: key, run: func(ctx context.Context, store *ledger.Store) error {
		_, err := store.Record(ctx, key, label, status)
		result <- err
		return nil
	}}
	if err := r.submit(ctx, op); err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// submit queues op, waiting for room instead of dropping it.
func (r *recorder) submit(ctx context.Context, op ledgerOp) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errRecorderClosed
	}
	select {
	case r.ops <- op:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *recorder) status(e entity.Entity) {
	if e.Key.IsZero() || e.Key.IsList() {
		return
	}
	r.enqueue(ledgerOp{name: "update status", key: e.Key, run: func(ctx context.Context, store *ledger.Store) error {
		return store.UpdateStatus(ctx, e.Key, e.Status, e.FailureReason)
	}})
}

func (r *recorder) degraded(key entity.Key, degraded bool) {
	r.enqueue(ledgerOp{name: "set degraded", key: key, run: func(ctx context.Context, store *ledger.Store) error {
		return store.SetDegraded(ctx, key, degraded)
	}})
}

func (r *recorder) remove(key entity.Key) {
	r.enqueue(ledgerOp{name: "remove", key: key, run: func(ctx context.Context, store *ledger.Store) error {
		return store.Remove(ctx, key)
	}})
}

// flush waits until every write queued so far has been applied.
func (r *recorder) flush(ctx context.Context) error {
	marker := make(chan struct{})
	err := r.submit(ctx, ledgerOp{name: "flush", run: func(context.Context, *ledger.Store) error {
		close(marker)
		return nil
	}})
	if errors.Is(err, errRecorderClosed) {
		return nil
	}
	if err != nil {
		return err
	}
	select {
	case <-marker:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains queued writes and closes the database.
func (r *recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.ops)
	r.mu.Unlock()

	<-r.done
	return r.store.Close()
}
