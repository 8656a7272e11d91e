package bus

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/agentexec/internal/common/logger"
)

// ErrClosed is returned when publishing or subscribing on a closed bus.
var ErrClosed = errors.New("event bus is closed")

// MemoryEventBus is an in-process EventBus. Handlers run on their own
// goroutines, so Publish never blocks on a slow subscriber.
type MemoryEventBus struct {
	mu     sync.RWMutex
	subs   []*memorySubscription
	groups map[string]*queueGroup
	logger *logger.Logger
	closed bool
	wg     sync.WaitGroup
}

type memorySubscription struct {
	bus     *MemoryEventBus
	subject string
	pattern *regexp.Regexp
	handler EventHandler
	queue   string

	mu     sync.Mutex
	active bool
}

type queueGroup struct {
	members []*memorySubscription
	next    int
}

// NewMemoryEventBus creates an in-memory event bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		groups: make(map[string]*queueGroup),
		logger: log.WithFields(zap.String("component", "memory-bus")),
	}
}

func (s *memorySubscription) Unsubscribe() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
	s.bus.remove(s)
	return nil
}

func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *memorySubscription) matches(subject string) bool {
	if s.pattern == nil {
		return s.subject == subject
	}
	return s.pattern.MatchString(subject)
}

func (b *MemoryEventBus) remove(sub *memorySubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
	if sub.queue == "" {
		return
	}
	key := groupKey(sub.queue, sub.subject)
	if g, ok := b.groups[key]; ok {
		for i, m := range g.members {
			if m == sub {
				g.members = append(g.members[:i], g.members[i+1:]...)
				break
			}
		}
		if len(g.members) == 0 {
			delete(b.groups, key)
		}
	}
}

// Publish delivers event to every matching plain subscriber and to one member
// of each matching queue group.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	seenGroups := make(map[string]bool)
	for _, sub := range b.subs {
		if !sub.IsValid() || !sub.matches(subject) {
			continue
		}
		if sub.queue != "" {
			key := groupKey(sub.queue, sub.subject)
			if seenGroups[key] {
				continue
			}
			seenGroups[key] = true
			if member := b.groups[key].pick(); member != nil {
				b.dispatch(ctx, member, subject, event)
			}
			continue
		}
		b.dispatch(ctx, sub, subject, event)
	}

	b.logger.Debug("published event",
		zap.String("subject", subject),
		zap.String("event_id", event.ID))
	return nil
}

func (g *queueGroup) pick() *memorySubscription {
	if g == nil {
		return nil
	}
	for i := 0; i < len(g.members); i++ {
		idx := (g.next + i) % len(g.members)
		if g.members[idx].IsValid() {
			g.next = (idx + 1) % len(g.members)
			return g.members[idx]
		}
	}
	return nil
}

func (b *MemoryEventBus) dispatch(ctx context.Context, sub *memorySubscription, subject string, event *Event) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if err := sub.handler(context.WithoutCancel(ctx), event); err != nil {
			b.logger.Error("event handler failed",
				zap.String("subject", subject),
				zap.String("event_type", event.Type),
				zap.Error(err))
		}
	}()
}

// Subscribe registers handler for subject.
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	return b.add(subject, "", handler)
}

// QueueSubscribe registers handler as a member of queue for subject.
func (b *MemoryEventBus) QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error) {
	return b.add(subject, queue, handler)
}

func (b *MemoryEventBus) add(subject, queue string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	sub := &memorySubscription{
		bus:     b,
		subject: subject,
		pattern: compilePattern(subject),
		handler: handler,
		queue:   queue,
		active:  true,
	}
	b.subs = append(b.subs, sub)
	if queue != "" {
		key := groupKey(queue, subject)
		g, ok := b.groups[key]
		if !ok {
			g = &queueGroup{}
			b.groups[key] = g
		}
		g.members = append(g.members, sub)
	}
	b.logger.Debug("subscribed", zap.String("subject", subject), zap.String("queue", queue))
	return sub, nil
}

// Wait blocks until every handler dispatched so far has returned.
func (b *MemoryEventBus) Wait() {
	b.wg.Wait()
}

// Close deactivates all subscriptions. In-flight handlers keep running.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, sub := range b.subs {
		sub.mu.Lock()
		sub.active = false
		sub.mu.Unlock()
	}
	b.subs = nil
	b.groups = make(map[string]*queueGroup)
}

func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

func groupKey(queue, subject string) string {
	return queue + ":" + subject
}

// compilePattern turns a NATS-style wildcard subject into an anchored regex.
// Literal subjects return nil and are compared directly.
func compilePattern(pattern string) *regexp.Regexp {
	if !strings.ContainsAny(pattern, "*>") {
		return nil
	}
	expr := regexp.QuoteMeta(pattern)
	expr = strings.ReplaceAll(expr, `\*`, `[^.]+`)
	expr = strings.ReplaceAll(expr, `>`, `.+`)
	re, err := regexp.Compile("^" + expr + "$")
	if err != nil {
		return nil
	}
	return re
}
