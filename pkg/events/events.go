package events

import (
	"sync"
	"time"
)

// EventType identifies a transaction lifecycle transition.
type EventType string

const (
	EventTxnPrepared     EventType = "txn.prepared"
	EventTxnPreCommitted EventType = "txn.precommitted"
	EventTxnCommitted    EventType = "txn.committed"
	EventTxnVisible      EventType = "txn.visible"
	EventTxnAborted      EventType = "txn.aborted"
)

// Event represents one transaction state transition (§4.9: "Each
// transition records the corresponding timestamp and may invoke a
// listener callback").
type Event struct {
	ID         string
	Type       EventType
	Timestamp  time.Time
	DBID       int64
	TxnID      int64
	FromStatus string
	ToStatus   string
	Reason     string
	Metadata   map[string]string
}

// Subscriber is a channel that receives events.
type Subscriber chan *Event

// StateHook runs synchronously around a state transition, before or
// after the event is handed to the async broker. Hooks observe but do
// not veto the transition — the spec describes them as callbacks, not
// gates.
type StateHook func(evt *Event)

// Broker manages event subscriptions/distribution plus the synchronous
// before/after state-transform hooks the transaction manager calls on
// every transition. Broadcast shape kept from the teacher's cluster
// event broker; hook lists are new for this domain's callback_id field.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}

	hookMu      sync.RWMutex
	beforeHooks []StateHook
	afterHooks  []StateHook
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// RegisterBeforeHook adds a hook run synchronously before an event is
// published (beforeStateTransform).
func (b *Broker) RegisterBeforeHook(h StateHook) {
	b.hookMu.Lock()
	defer b.hookMu.Unlock()
	b.beforeHooks = append(b.beforeHooks, h)
}

// RegisterAfterHook adds a hook run synchronously after an event is
// published (afterStateTransform).
func (b *Broker) RegisterAfterHook(h StateHook) {
	b.hookMu.Lock()
	defer b.hookMu.Unlock()
	b.afterHooks = append(b.afterHooks, h)
}

// FireTransition runs the before hooks, publishes the event to async
// subscribers, then runs the after hooks. This is what
// DatabaseTransactionManager calls on every status change.
func (b *Broker) FireTransition(evt *Event) {
	b.runHooks(b.snapshotBefore(), evt)
	b.Publish(evt)
	b.runHooks(b.snapshotAfter(), evt)
}

func (b *Broker) snapshotBefore() []StateHook {
	b.hookMu.RLock()
	defer b.hookMu.RUnlock()
	return append([]StateHook(nil), b.beforeHooks...)
}

func (b *Broker) snapshotAfter() []StateHook {
	b.hookMu.RLock()
	defer b.hookMu.RUnlock()
	return append([]StateHook(nil), b.afterHooks...)
}

func (b *Broker) runHooks(hooks []StateHook, evt *Event) {
	for _, h := range hooks {
		h(evt)
	}
}

// Publish publishes an event to all subscribers.
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip.
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
