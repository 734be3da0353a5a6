package event

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// Observer receives events synchronously on the publisher's goroutine.
type Observer func(Event)

// Observers is an ordered registry of event observers. The zero value is
// ready to use.
type Observers struct {
	mu     sync.RWMutex
	nextID int
	subs   []subscription
}

type subscription struct {
	id int
	fn Observer
}

// Subscribe registers fn and returns a function that removes it.
func (o *Observers) Subscribe(fn Observer) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.nextID++
	id := o.nextID
	o.subs = append(o.subs, subscription{id: id, fn: fn})
	return func() { o.unsubscribe(id) }
}

func (o *Observers) unsubscribe(id int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, s := range o.subs {
		if s.id == id {
			o.subs = append(o.subs[:i:i], o.subs[i+1:]...)
			return
		}
	}
}

// Len reports the number of registered observers.
func (o *Observers) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.subs)
}

// Publish delivers ev to every observer in registration order. A panicking
// observer is logged and skipped.
func (o *Observers) Publish(ev Event) {
	o.mu.RLock()
	subs := make([]subscription, len(o.subs))
	copy(subs, o.subs)
	o.mu.RUnlock()

	for _, s := range subs {
		deliver(s.fn, ev)
	}
}

func deliver(fn Observer, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{
				"event": ev.Kind().String(),
				"panic": r,
			}).Error("event observer panicked")
		}
	}()
	fn(ev)
}
