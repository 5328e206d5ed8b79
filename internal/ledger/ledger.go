package ledger

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/ppiankov/govgate/internal/metrics"
	"github.com/ppiankov/govgate/internal/model"
)

// BuildFunc constructs the next event given the current chain tail
// (nil for an empty chain). Stores call it while holding their append lock.
type BuildFunc func(tail *Event) (*Event, error)

// Store is the durable backing of the chain. Append must read the tail and
// persist the built event as one atomic step so concurrent appenders can
// never fork the chain.
type Store interface {
	Append(ctx context.Context, build BuildFunc) (*Event, error)
	// Tail returns the last event, or nil for an empty chain.
	Tail(ctx context.Context) (*Event, error)
	// Get returns model.ErrNotFound for unknown ids.
	Get(ctx context.Context, id string) (*Event, error)
	// List returns up to limit events with Seq > afterSeq in chain order.
	List(ctx context.Context, afterSeq int64, limit int) ([]Event, error)
}

// Ledger is the append-only, hash-chained event log.
type Ledger struct {
	store Store
	now   func() time.Time
	newID func() string
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithIDGenerator overrides event id generation.
func WithIDGenerator(gen func() string) Option {
	return func(l *Ledger) { l.newID = gen }
}

// New creates a Ledger over store.
func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store: store,
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Append records one event at the end of the chain. Any store failure is
// returned as *model.LedgerWriteError; callers on a decision path must treat
// that as a denial.
func (l *Ledger) Append(ctx context.Context, d Draft) (*Event, error) {
	if d.Kind == "" || d.Outcome == "" {
		return nil, &model.ValidationError{Field: "event", Msg: "kind and outcome are required"}
	}
	if err := d.checkText(); err != nil {
		return nil, err
	}
	actorKind := d.Actor.Kind
	if actorKind == "" {
		actorKind = model.ActorSystem
	}
	var evCtx map[string]string
	if len(d.Context) > 0 {
		evCtx = make(map[string]string, len(d.Context))
		for k, v := range d.Context {
			evCtx[k] = v
		}
	}

	ev, err := l.store.Append(ctx, func(tail *Event) (*Event, error) {
		e := &Event{
			ID:           l.newID(),
			Seq:          1,
			Kind:         d.Kind,
			Description:  d.Description,
			ActorID:      d.Actor.ID,
			ActorKind:    actorKind,
			Outcome:      d.Outcome,
			Context:      evCtx,
			ResourceType: d.ResourceType,
			ResourceID:   d.ResourceID,
			CreatedAt:    l.now().UTC(),
		}
		if tail != nil {
			e.Seq = tail.Seq + 1
			e.PrevHash = tail.ContentHash
		}
		hash, err := ComputeHash(e, e.PrevHash)
		if err != nil {
			return nil, err
		}
		e.ContentHash = hash
		return e, nil
	})
	metrics.RecordLedgerAppend(string(d.Kind), err)
	if err != nil {
		return nil, &model.LedgerWriteError{Err: err}
	}
	return ev, nil
}

// Tail returns the newest event, or nil when the chain is empty.
func (l *Ledger) Tail(ctx context.Context) (*Event, error) {
	return l.store.Tail(ctx)
}

// Get returns one event by id.
func (l *Ledger) Get(ctx context.Context, id string) (*Event, error) {
	return l.store.Get(ctx, id)
}

// List returns up to limit events after afterSeq.
func (l *Ledger) List(ctx context.Context, afterSeq int64, limit int) ([]Event, error) {
	return l.store.List(ctx, afterSeq, limit)
}

const verifyPage = 256

// Verify checks the chain between fromID and toID inclusive. Empty ids mean
// the start and the end of the chain. Store errors are returned as err;
// integrity failures are reported in the result.
func (l *Ledger) Verify(ctx context.Context, fromID, toID string) (VerifyResult, error) {
	fromSeq := int64(1)
	toSeq := int64(math.MaxInt64)
	if fromID != "" {
		e, err := l.store.Get(ctx, fromID)
		if err != nil {
			return VerifyResult{}, fmt.Errorf("ledger: verify from %s: %w", fromID, err)
		}
		fromSeq = e.Seq
	}
	if toID != "" {
		e, err := l.store.Get(ctx, toID)
		if err != nil {
			return VerifyResult{}, fmt.Errorf("ledger: verify to %s: %w", toID, err)
		}
		toSeq = e.Seq
	}
	if fromSeq > toSeq {
		return VerifyResult{}, &model.ValidationError{Field: "range", Msg: "from event is after to event"}
	}

	v := newVerifier(fromSeq, "")
	if fromSeq > 1 {
		prev, err := l.store.List(ctx, fromSeq-2, 1)
		if err != nil {
			return VerifyResult{}, fmt.Errorf("ledger: verify predecessor: %w", err)
		}
		if len(prev) == 0 {
			return VerifyResult{Error: "predecessor of range start is missing", BrokenSeq: fromSeq - 1}, nil
		}
		v.prevHash = prev[0].ContentHash
	}

	after := fromSeq - 1
	for {
		page, err := l.store.List(ctx, after, verifyPage)
		if err != nil {
			return VerifyResult{}, fmt.Errorf("ledger: verify list: %w", err)
		}
		for i := range page {
			if page[i].Seq > toSeq {
				return v.result(), nil
			}
			if !v.check(&page[i]) {
				return v.result(), nil
			}
		}
		if len(page) < verifyPage {
			return v.result(), nil
		}
		after = page[len(page)-1].Seq
	}
}
