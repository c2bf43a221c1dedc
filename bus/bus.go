// Package bus provides the in-process publish/subscribe event bus that
// all knoxpro components communicate through. Subscriptions match event
// types exactly or by hierarchical wildcard: "*" matches a single
// dot-delimited segment run, "**" matches across dot boundaries.
package bus

import (
	"context"
	"log/slog"
	"regexp"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/yaser2us/knoxpro-sub000/id"
)

// DefaultHistoryCap is the default bound on the publish history ring.
const DefaultHistoryCap = 1000

// Handler processes a published envelope. Handlers are invoked
// sequentially in subscription order; an error or panic in one handler
// is logged and does not abort delivery to the others.
type Handler func(ctx context.Context, evt *Envelope) error

// Subscription is the handle returned by Subscribe and SubscribeOnce.
// Pass it to Unsubscribe to cancel.
type Subscription struct {
	ID      id.SubscriptionID
	Pattern string

	handler Handler
	once    bool
	fired   atomic.Bool
}

// Bus is the in-process event bus. Safe for concurrent use.
type Bus struct {
	logger *slog.Logger

	mu   sync.RWMutex
	subs []*Subscription // in subscription order

	// patterns caches compiled wildcard patterns, keyed by pattern string.
	patterns map[string]*regexp.Regexp

	// history is a bounded ring of published envelopes.
	history    []HistoryEntry
	historyCap int
	historyPos int

	// seenTypes records every concrete event type ever published.
	seenTypes map[string]struct{}

	totalPublished atomic.Int64
	totalDelivered atomic.Int64
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithHistoryCap bounds the publish history ring buffer.
func WithHistoryCap(n int) BusOption {
	return func(b *Bus) { b.historyCap = n }
}

// New creates an event bus.
func New(logger *slog.Logger, opts ...BusOption) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		logger:     logger,
		patterns:   make(map[string]*regexp.Regexp),
		seenTypes:  make(map[string]struct{}),
		historyCap: DefaultHistoryCap,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a handler for every envelope whose type matches
// the given pattern. Returns the subscription handle.
func (b *Bus) Subscribe(pattern string, h Handler) *Subscription {
	return b.subscribe(pattern, h, false)
}

// SubscribeOnce registers a handler that is removed after its first
// matching delivery.
func (b *Bus) SubscribeOnce(pattern string, h Handler) *Subscription {
	return b.subscribe(pattern, h, true)
}

func (b *Bus) subscribe(pattern string, h Handler, once bool) *Subscription {
	sub := &Subscription{
		ID:      id.NewSubscriptionID(),
		Pattern: pattern,
		handler: h,
		once:    once,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, sub)
	return sub
}

// Unsubscribe removes a subscription. Unknown handles are a no-op.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(sub.ID)
}

func (b *Bus) removeLocked(subID id.SubscriptionID) {
	for i, s := range b.subs {
		if s.ID == subID {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers an envelope of the given type to every matching
// subscriber and appends it to the history ring. Each handler is invoked
// independently: an error or panic is logged and delivery continues.
// Returns the published envelope.
func (b *Bus) Publish(ctx context.Context, typ string, payload map[string]any) *Envelope {
	return b.PublishEnvelope(ctx, NewEnvelope(typ, payload))
}

// PublishEnvelope is like Publish but takes a pre-built envelope, for
// callers that set Source or Metadata.
func (b *Bus) PublishEnvelope(ctx context.Context, evt *Envelope) *Envelope {
	// Snapshot matching subscribers under the read lock so handlers run
	// without holding it.
	b.mu.Lock()
	b.seenTypes[evt.Type] = struct{}{}
	targets := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if b.matchLocked(sub.Pattern, evt.Type) {
			targets = append(targets, sub)
		}
	}
	b.mu.Unlock()

	delivered := 0
	for _, sub := range targets {
		if sub.once && !sub.fired.CompareAndSwap(false, true) {
			continue // one-shot already consumed by a concurrent publish
		}
		b.invoke(ctx, sub, evt)
		delivered++
		if sub.once {
			b.mu.Lock()
			b.removeLocked(sub.ID)
			b.mu.Unlock()
		}
	}

	b.appendHistory(evt, delivered)
	b.totalPublished.Add(1)
	b.totalDelivered.Add(int64(delivered))
	return evt
}

// invoke runs a single handler, isolating panics and errors.
func (b *Bus) invoke(ctx context.Context, sub *Subscription, evt *Envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				slog.String("pattern", sub.Pattern),
				slog.String("event_type", evt.Type),
				slog.String("event_id", evt.ID.String()),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()

	if err := sub.handler(ctx, evt); err != nil {
		b.logger.Error("event handler error",
			slog.String("pattern", sub.Pattern),
			slog.String("event_type", evt.Type),
			slog.String("event_id", evt.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// Match reports whether a subscription pattern matches a concrete event
// type. Exported for the trigger engine, which evaluates trigger rule
// patterns with the same semantics the bus uses for subscriptions.
func Match(pattern, typ string) bool {
	if pattern == typ {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return false
	}
	return compilePattern(pattern).MatchString(typ)
}

func (b *Bus) matchLocked(pattern, typ string) bool {
	if pattern == typ {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return false
	}

	re, ok := b.patterns[pattern]
	if !ok {
		re = compilePattern(pattern)
		b.patterns[pattern] = re
	}
	return re.MatchString(typ)
}

// compilePattern converts a wildcard pattern to a regular expression:
// "*" matches any run of non-dot characters, "**" matches across dot
// boundaries.
func compilePattern(pattern string) *regexp.Regexp {
	p := strings.ReplaceAll(pattern, "**", "\x00")
	p = strings.ReplaceAll(p, "*", "\x01")
	p = regexp.QuoteMeta(p)
	p = strings.ReplaceAll(p, "\x00", ".*")
	p = strings.ReplaceAll(p, "\x01", "[^.]*")
	return regexp.MustCompile("^" + p + "$")
}

// appendHistory records the envelope in the bounded ring buffer.
func (b *Bus) appendHistory(evt *Envelope, delivered int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry := HistoryEntry{Envelope: evt, Delivered: delivered}
	if b.historyCap <= 0 {
		return
	}
	if len(b.history) < b.historyCap {
		b.history = append(b.history, entry)
		return
	}
	b.history[b.historyPos] = entry
	b.historyPos = (b.historyPos + 1) % b.historyCap
}

// History returns recorded envelopes in publish order, oldest first.
// If typ is non-empty, only envelopes of that exact type are returned.
func (b *Bus) History(typ string) []HistoryEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]HistoryEntry, 0, len(b.history))
	// The ring wraps at historyPos once full.
	n := len(b.history)
	for i := 0; i < n; i++ {
		entry := b.history[(b.historyPos+i)%n]
		if typ != "" && entry.Envelope.Type != typ {
			continue
		}
		out = append(out, entry)
	}
	return out
}

// EventTypes returns every concrete event type published so far, sorted.
func (b *Bus) EventTypes() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]string, 0, len(b.seenTypes))
	for t := range b.seenTypes {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Stats returns bus counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	subs := len(b.subs)
	b.mu.RUnlock()

	return Stats{
		Subscriptions:  subs,
		TotalPublished: b.totalPublished.Load(),
		TotalDelivered: b.totalDelivered.Load(),
	}
}

// Stats contains bus metrics.
type Stats struct {
	Subscriptions  int   `json:"subscriptions"`
	TotalPublished int64 `json:"total_published"`
	TotalDelivered int64 `json:"total_delivered"`
}
