package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/platform-auth/internal/model"
	"github.com/iliyamo/platform-auth/internal/queue"
	"github.com/iliyamo/platform-auth/internal/repository"
)

const (
	defaultEventPageSize = 50
	maxEventPageSize     = 200
)

// EventLog is the append-only security audit trail.
//
// Record never fails its caller: persistence problems are reported on the
// zap logger instead, so a slow or broken audit store cannot turn into an
// authentication outage.
type EventLog struct {
	store    EventStore
	notifier Notifier
	log      *zap.Logger
	now      func() time.Time
	timeout  time.Duration

	// Notifications go through one dispatcher and a bounded outbox. When the
	// outbox is full the notification is dropped; the event is still stored.
	outboxSize int
	outbox     chan queue.SecurityNotification
	done       chan struct{}
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

// EventLogOption customizes an EventLog.
type EventLogOption func(*EventLog)

// WithEventClock overrides the clock used to stamp events.
func WithEventClock(now func() time.Time) EventLogOption {
	return func(l *EventLog) { l.now = now }
}

// WithNotifier routes critical events and new-device logins to n.
func WithNotifier(n Notifier) EventLogOption {
	return func(l *EventLog) {
		if n != nil {
			l.notifier = n
		}
	}
}

// WithNotifyBuffer sets how many notifications may wait for delivery.
func WithNotifyBuffer(n int) EventLogOption {
	return func(l *EventLog) {
		if n > 0 {
			l.outboxSize = n
		}
	}
}

// WithWriteTimeout bounds how long Record waits on the store.
func WithWriteTimeout(d time.Duration) EventLogOption {
	return func(l *EventLog) { l.timeout = d }
}

func NewEventLog(store EventStore, logger *zap.Logger, opts ...EventLogOption) *EventLog {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &EventLog{
		store:    store,
		notifier: nopNotifier{},
		log:      logger.Named("security-events"),
		now:      time.Now,
		timeout:  2 * time.Second,

		outboxSize: 256,
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	if _, nop := l.notifier.(nopNotifier); !nop {
		l.outbox = make(chan queue.SecurityNotification, l.outboxSize)
		l.wg.Add(1)
		go l.dispatch()
	}
	return l
}

func (l *EventLog) dispatch() {
	defer l.wg.Done()
	for {
		select {
		case n := <-l.outbox:
			nctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := l.notifier.Notify(nctx, n); err != nil {
				l.log.Warn("security notification not delivered", zap.String("event_type", n.EventType), zap.Error(err))
			}
			cancel()
		case <-l.done:
			return
		}
	}
}

// Close stops the notification dispatcher. Queued notifications that were
// not yet handed to the notifier are discarded. Record stays usable.
func (l *EventLog) Close() {
	l.closeOnce.Do(func() { close(l.done) })
	l.wg.Wait()
}

// Record appends ev. CreatedAt defaults to now and Severity to info.
func (l *EventLog) Record(ctx context.Context, ev model.SecurityEvent) {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = l.now()
	}
	if ev.Severity == "" {
		ev.Severity = model.SeverityInfo
	}

	// Detached from the request so a client disconnect does not drop the
	// audit record.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.timeout)
	defer cancel()
	id, err := l.store.Insert(wctx, ev)
	if err != nil {
		l.log.Error("security event not persisted", append(eventFields(ev), zap.Error(err))...)
	} else {
		ev.ID = id
	}

	if l.outbox != nil && notifiable(ev) {
		n := toNotification(ev)
		select {
		case <-l.done:
		case l.outbox <- n:
		default:
			l.log.Warn("security notification dropped", zap.String("event_type", n.EventType))
		}
	}
}

// EventQuery is a filter plus 1-based page and page size.
type EventQuery struct {
	IdentityID *uint64
	Types      []model.EventType
	Severity   model.Severity
	IP         string
	Since      time.Time
	Until      time.Time
	Page       int
	Limit      int
}

// EventPage is one page of query results.
type EventPage struct {
	Events []model.SecurityEvent `json:"events"`
	Page   int                   `json:"page"`
	Limit  int                   `json:"limit"`
	Total  int                   `json:"total"`
}

// Query returns events newest first. Page defaults to 1; Limit defaults to
// 50 and is capped at 200.
func (l *EventLog) Query(ctx context.Context, q EventQuery) (EventPage, error) {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit <= 0 {
		q.Limit = defaultEventPageSize
	}
	if q.Limit > maxEventPageSize {
		q.Limit = maxEventPageSize
	}
	if !q.Since.IsZero() && !q.Until.IsZero() && q.Until.Before(q.Since) {
		return EventPage{}, validationError("until must not be before since")
	}
	f := repository.EventFilter{
		IdentityID: q.IdentityID,
		Types:      q.Types,
		Severity:   q.Severity,
		IP:         q.IP,
		Since:      q.Since,
		Until:      q.Until,
		Limit:      q.Limit,
		Offset:     (q.Page - 1) * q.Limit,
	}
	events, err := l.store.Query(ctx, f)
	if err != nil {
		return EventPage{}, err
	}
	total, err := l.store.Count(ctx, f)
	if err != nil {
		return EventPage{}, err
	}
	return EventPage{Events: events, Page: q.Page, Limit: q.Limit, Total: total}, nil
}

// CountSince counts events of typ since the given instant, optionally
// narrowed to one identity or one IP.
func (l *EventLog) CountSince(ctx context.Context, typ model.EventType, identityID *uint64, ip string, since time.Time) (int, error) {
	return l.store.Count(ctx, repository.EventFilter{
		IdentityID: identityID,
		Types:      []model.EventType{typ},
		IP:         ip,
		Since:      since,
	})
}

func notifiable(ev model.SecurityEvent) bool {
	if ev.Severity == model.SeverityCritical {
		return true
	}
	nd, _ := ev.Metadata["new_device"].(bool)
	return ev.Type == model.EventLoginSuccess && nd
}

func toNotification(ev model.SecurityEvent) queue.SecurityNotification {
	return queue.SecurityNotification{
		EventID:    ev.ID,
		EventType:  string(ev.Type),
		Severity:   string(ev.Severity),
		IdentityID: ev.IdentityID,
		IP:         ev.IP,
		UserAgent:  ev.UserAgent,
		Metadata:   ev.Metadata,
		OccurredAt: ev.CreatedAt,
	}
}

func eventFields(ev model.SecurityEvent) []zap.Field {
	fields := []zap.Field{
		zap.String("event_type", string(ev.Type)),
		zap.String("severity", string(ev.Severity)),
		zap.String("ip", ev.IP),
		zap.Any("metadata", ev.Metadata),
	}
	if ev.IdentityID != nil {
		fields = append(fields, zap.Uint64("identity_id", *ev.IdentityID))
	}
	return fields
}

func ptr[T any](v T) *T { return &v }
