package feed

import (
	"sync"
	"time"

	"vpn-console/internal/model"
)

const defaultBufferSize = 256

// Filter selects which events a subscription receives. A nil Filter
// accepts everything in the subscribed collection.
type Filter func(model.ChangeEvent) bool

// ForDocument limits a subscription to one document id.
func ForDocument(id string) Filter {
	return func(ev model.ChangeEvent) bool { return ev.DocumentID == id }
}

type Subscription struct {
	C <-chan model.ChangeEvent

	feed *Feed
	sub  *subscriber
}

// Cancel stops delivery and closes C. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.sub.close(false)
	s.feed.remove(s.sub)
}

// Lagged reports whether the feed dropped this subscription because its
// buffer filled up.
func (s *Subscription) Lagged() bool {
	s.sub.mu.Lock()
	defer s.sub.mu.Unlock()
	return s.sub.lagged
}

type subscriber struct {
	collection model.Collection
	filter     Filter
	ch         chan model.ChangeEvent

	mu     sync.Mutex
	closed bool
	lagged bool
}

func (s *subscriber) send(ev model.ChangeEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- ev:
		return true
	default:
		s.closed = true
		s.lagged = true
		close(s.ch)
		return false
	}
}

func (s *subscriber) close(lagged bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.lagged = lagged
	close(s.ch)
}

// Feed fans change events out to subscribers. Publish never blocks: a
// subscriber that cannot keep up is dropped and its channel closed.
type Feed struct {
	mu          sync.RWMutex
	instanceID  string
	bufferSize  int
	subscribers map[model.Collection]map[*subscriber]struct{}
	all         map[*subscriber]struct{}
	now         func() time.Time
}

type Options struct {
	InstanceID string
	BufferSize int
}

func New() *Feed {
	return NewWithOptions(Options{})
}

func NewWithOptions(opts Options) *Feed {
	size := opts.BufferSize
	if size <= 0 {
		size = defaultBufferSize
	}
	return &Feed{
		instanceID:  opts.InstanceID,
		bufferSize:  size,
		subscribers: make(map[model.Collection]map[*subscriber]struct{}),
		all:         make(map[*subscriber]struct{}),
		now:         time.Now,
	}
}

func (f *Feed) InstanceID() string { return f.instanceID }

func (f *Feed) Subscribe(collection model.Collection, filter Filter) *Subscription {
	sub := &subscriber{collection: collection, filter: filter, ch: make(chan model.ChangeEvent, f.bufferSize)}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribers[collection] == nil {
		f.subscribers[collection] = make(map[*subscriber]struct{})
	}
	f.subscribers[collection][sub] = struct{}{}
	return &Subscription{C: sub.ch, feed: f, sub: sub}
}

// SubscribeAll receives every collection.
func (f *Feed) SubscribeAll(filter Filter) *Subscription {
	sub := &subscriber{filter: filter, ch: make(chan model.ChangeEvent, f.bufferSize)}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.all[sub] = struct{}{}
	return &Subscription{C: sub.ch, feed: f, sub: sub}
}

func (f *Feed) remove(sub *subscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if sub.collection == "" {
		delete(f.all, sub)
		return
	}
	set := f.subscribers[sub.collection]
	if set == nil {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(f.subscribers, sub.collection)
	}
}

// Publish delivers a locally originated event.
func (f *Feed) Publish(ev model.ChangeEvent) {
	if ev.Origin == "" {
		ev.Origin = f.instanceID
	}
	if ev.At.IsZero() {
		ev.At = f.now()
	}
	f.deliver(ev)
}

// Inject delivers an event that originated elsewhere, keeping its origin.
func (f *Feed) Inject(ev model.ChangeEvent) {
	f.deliver(ev)
}

func (f *Feed) deliver(ev model.ChangeEvent) {
	f.mu.RLock()
	set := f.subscribers[ev.Collection]
	targets := make([]*subscriber, 0, len(set)+len(f.all))
	for s := range set {
		targets = append(targets, s)
	}
	for s := range f.all {
		targets = append(targets, s)
	}
	f.mu.RUnlock()

	var dropped []*subscriber
	for _, s := range targets {
		if s.filter != nil && !s.filter(ev) {
			continue
		}
		if !s.send(ev) {
			dropped = append(dropped, s)
		}
	}
	for _, s := range dropped {
		f.remove(s)
	}
}

func (f *Feed) SubscriberCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	n := len(f.all)
	for _, set := range f.subscribers {
		n += len(set)
	}
	return n
}
