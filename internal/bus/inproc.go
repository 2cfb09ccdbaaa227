package bus

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/apex-trading/apex-core/internal/model"
)

// DefaultBackpressureThreshold is the default bound on a subscriber's
// outbound queue before it is considered slow and dropped.
const DefaultBackpressureThreshold = 1024

// InProcBus is the canonical, in-process Agent Network implementation.
type InProcBus struct {
	log                   zerolog.Logger
	backpressureThreshold int

	nextMsgID atomic.Uint64
	nextSubID atomic.Uint64

	mu       sync.RWMutex
	history  map[string][]model.Message   // sessionID -> ordered messages
	subs     map[string][]*subscription   // sessionID -> active subscribers
	slowHook func(SlowSubscriberEvent)
}

// NewInProcBus constructs a bus with the given per-subscriber queue bound.
// A zero threshold uses DefaultBackpressureThreshold.
func NewInProcBus(log zerolog.Logger, backpressureThreshold int) *InProcBus {
	if backpressureThreshold <= 0 {
		backpressureThreshold = DefaultBackpressureThreshold
	}
	return &InProcBus{
		log:                   log.With().Str("component", "bus").Logger(),
		backpressureThreshold: backpressureThreshold,
		history:               make(map[string][]model.Message),
		subs:                  make(map[string][]*subscription),
	}
}

type subscription struct {
	id        uint64
	sessionID string
	pattern   string
	handler   Handler
	queue     chan model.Message
	bus       *InProcBus
	closed    atomic.Bool
	done      chan struct{}
}

func (s *subscription) ID() uint64     { return s.id }
func (s *subscription) Topic() string  { return s.pattern }
func (s *subscription) Unsubscribe() error {
	return s.bus.Unsubscribe(s)
}

func (s *subscription) run() {
	defer close(s.done)
	for msg := range s.queue {
		if err := s.handler(msg); err != nil {
			s.bus.log.Warn().
				Str("session_id", s.sessionID).
				Uint64("sub_id", s.id).
				Str("topic", msg.Topic).
				Err(err).
				Msg("subscriber handler returned error")
		}
	}
}

// Publish implements Bus.
func (b *InProcBus) Publish(ctx context.Context, in PublishInput) (model.Message, error) {
	if in.SessionID == "" {
		return model.Message{}, fmt.Errorf("bus: publish requires a session id")
	}
	msg := model.Message{
		ID:          b.nextMsgID.Add(1),
		SessionID:   in.SessionID,
		From:        in.From,
		To:          in.To,
		Topic:       in.Topic,
		Payload:     in.Payload,
		Timestamp:   time.Now().UTC(),
		CausationID: in.CausationID,
	}

	b.mu.Lock()
	b.history[in.SessionID] = append(b.history[in.SessionID], msg)
	subs := make([]*subscription, 0, len(b.subs[in.SessionID]))
	for _, s := range b.subs[in.SessionID] {
		if topicMatches(s.pattern, msg.Topic) {
			subs = append(subs, s)
		}
	}
	b.mu.Unlock()

	for _, s := range subs {
		select {
		case s.queue <- msg:
		default:
			b.dropSubscriber(s)
		}
	}
	return msg, nil
}

func (b *InProcBus) dropSubscriber(s *subscription) {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	b.mu.Lock()
	list := b.subs[s.sessionID]
	for i, cand := range list {
		if cand == s {
			b.subs[s.sessionID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	hook := b.slowHook
	b.mu.Unlock()
	close(s.queue)

	evt := SlowSubscriberEvent{
		SessionID:      s.sessionID,
		SubscriptionID: s.id,
		Topic:          s.pattern,
		QueueDepth:     b.backpressureThreshold,
	}
	b.log.Warn().
		Str("session_id", s.sessionID).
		Uint64("sub_id", s.id).
		Str("topic", s.pattern).
		Msg("slow subscriber dropped")
	if hook != nil {
		hook(evt)
	}
}

// Subscribe implements Bus.
func (b *InProcBus) Subscribe(sessionID, topicPattern string, handler Handler) (Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("bus: subscribe requires a handler")
	}
	s := &subscription{
		id:        b.nextSubID.Add(1),
		sessionID: sessionID,
		pattern:   topicPattern,
		handler:   handler,
		queue:     make(chan model.Message, b.backpressureThreshold),
		bus:       b,
		done:      make(chan struct{}),
	}
	b.mu.Lock()
	b.subs[sessionID] = append(b.subs[sessionID], s)
	b.mu.Unlock()
	go s.run()
	return s, nil
}

// Unsubscribe implements Bus.
func (b *InProcBus) Unsubscribe(sub Subscription) error {
	s, ok := sub.(*subscription)
	if !ok {
		return fmt.Errorf("bus: unsubscribe called with a subscription from a different bus")
	}
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.mu.Lock()
	list := b.subs[s.sessionID]
	for i, cand := range list {
		if cand == s {
			b.subs[s.sessionID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
	close(s.queue)
	return nil
}

// History implements Bus.
func (b *InProcBus) History(sessionID string, sinceMsgID uint64) ([]model.Message, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	all := b.history[sessionID]
	idx := sort.Search(len(all), func(i int) bool { return all[i].ID > sinceMsgID })
	out := make([]model.Message, len(all)-idx)
	copy(out, all[idx:])
	return out, nil
}

// OnSlowSubscriber implements Bus.
func (b *InProcBus) OnSlowSubscriber(f func(SlowSubscriberEvent)) {
	b.mu.Lock()
	b.slowHook = f
	b.mu.Unlock()
}

// topicMatches implements "." segmented pattern matching where "*" matches
// exactly one segment, and the bare pattern "*" matches every topic (used
// by the Explainer role, which subscribes to everything).
func topicMatches(pattern, topic string) bool {
	if pattern == "*" {
		return true
	}
	pSegs := splitTopic(pattern)
	tSegs := splitTopic(topic)
	if len(pSegs) != len(tSegs) {
		return false
	}
	for i, p := range pSegs {
		if p == "*" {
			continue
		}
		if p != tSegs[i] {
			return false
		}
	}
	return true
}

func splitTopic(s string) []string {
	var segs []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			segs = append(segs, s[start:i])
			start = i + 1
		}
	}
	segs = append(segs, s[start:])
	return segs
}
