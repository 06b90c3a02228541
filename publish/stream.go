// Package publish delivers controller events to the coordinator side.
//
// Publishing never blocks: a subscriber whose queue is full is asked to
// disconnect and the event is dropped for it.
package publish

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"git.tatikoma.dev/corpix/shelf/message"
)

type void = struct{}

type Subscription struct {
	closeCh chan void
	kinds   uint32
}

// NewSubscription creates a subscription filtered by kinds, no kinds means
// every event.
func NewSubscription(kinds ...message.Kind) *Subscription {
	var bitmap uint32
	for _, k := range kinds {
		bitmap |= k.Bit()
	}
	return &Subscription{
		closeCh: make(chan void, 1),
		kinds:   bitmap,
	}
}

func (s *Subscription) Closing() <-chan void { return s.closeCh }

func (s *Subscription) match(m message.Message) bool {
	return s.kinds == 0 || s.kinds&m.Kind().Bit() != 0
}

//

type Stream struct {
	mu                     sync.Mutex
	subscriptionsByService map[string]map[chan<- message.Message]*Subscription
	subscriptionsGlobal    map[chan<- message.Message]*Subscription
	name                   string
	published              atomic.Uint64
	dropped                atomic.Uint64
}

// Pump feeds events from ch to fn until ch is closed, the subscription is
// asked to disconnect or fn fails.
func (s *Stream) Pump(ch <-chan message.Message, sub *Subscription, fn func(message.Message) error) error {
	for {
		select {
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			err := fn(m)
			if err != nil {
				return err
			}
		case <-sub.closeCh:
			return nil
		}
	}
}

// Publish fans m out to the subscribers of its service and to the global
// ones. It never blocks and never fails.
func (s *Stream) Publish(m message.Message) {
	service := m.Service()
	log.Debug().
		Str("stream_name", s.name).
		Str("service", service).
		Stringer("kind", m.Kind()).
		Msg("publishing event")
	s.published.Add(1)

	s.mu.Lock()
	defer s.mu.Unlock()

	if bucket, ok := s.subscriptionsByService[service]; ok {
		for ch, sub := range bucket {
			s.send(sub, ch, m)
		}
	}
	for ch, sub := range s.subscriptionsGlobal {
		s.send(sub, ch, m)
	}
}

func (s *Stream) send(sub *Subscription, ch chan<- message.Message, m message.Message) {
	if !sub.match(m) {
		return
	}

	select {
	case ch <- m:
	default:
		s.dropped.Add(1)
		select {
		case sub.closeCh <- void{}:
			log.Warn().
				Str("stream_name", s.name).
				Str("service", m.Service()).
				Stringer("kind", m.Kind()).
				Msg("subscriber queue is full, disconnecting subscriber")
		default: // already closing
		}
	}
}

func (s *Stream) Subscribe(ch chan<- message.Message, sub *Subscription, services ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(services) == 0 {
		s.subscriptionsGlobal[ch] = sub
		return
	}
	for _, name := range services {
		bucket, ok := s.subscriptionsByService[name]
		if !ok {
			bucket = make(map[chan<- message.Message]*Subscription)
			s.subscriptionsByService[name] = bucket
		}
		bucket[ch] = sub
	}
}

func (s *Stream) Unsubscribe(ch chan<- message.Message, services ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(services) == 0 {
		delete(s.subscriptionsGlobal, ch)
		return
	}
	for _, name := range services {
		if bucket, ok := s.subscriptionsByService[name]; ok {
			delete(bucket, ch)
			if len(bucket) == 0 {
				delete(s.subscriptionsByService, name)
			}
		}
	}
}

func (s *Stream) Published() uint64 { return s.published.Load() }
func (s *Stream) Dropped() uint64   { return s.dropped.Load() }

func NewStream(name string) *Stream {
	return &Stream{
		name:                   name,
		subscriptionsByService: make(map[string]map[chan<- message.Message]*Subscription),
		subscriptionsGlobal:    make(map[chan<- message.Message]*Subscription),
	}
}
