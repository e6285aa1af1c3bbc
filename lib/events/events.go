// Package events is the in-process publish/subscribe bus that connects
// lifecycle changes made by the surface supervisor to the gateway's CDP
// broadcasts. Dispatch is synchronous: subscribers run on the publisher's
// goroutine and must not block.
package events

import (
	"sync"

	"github.com/MAGI3/Magi/lib/fleet"
)

// Event is the sum of all lifecycle notifications. Exactly one concrete type
// per published fact.
type Event interface{ isEvent() }

type BrowserCreated struct {
	Browser fleet.BrowserRecord
}

type BrowserDestroyed struct {
	BrowserID string
}

type PageCreated struct {
	Page fleet.PageRecord
	// AfterPageID is set when the page was inserted mid-list, e.g. a popup
	// opened next to its parent.
	AfterPageID string
}

type PageDestroyed struct {
	BrowserID string
	PageID    string
}

type PageActivated struct {
	BrowserID string
	PageID    string // empty when the browser has no pages left
}

type PageNavigated struct {
	Page   fleet.PageRecord
	Failed bool
	Err    string
}

type PageTitleChanged struct {
	Page fleet.PageRecord
}

type PageFaviconChanged struct {
	Page fleet.PageRecord
}

func (BrowserCreated) isEvent()     {}
func (BrowserDestroyed) isEvent()   {}
func (PageCreated) isEvent()        {}
func (PageDestroyed) isEvent()      {}
func (PageActivated) isEvent()      {}
func (PageNavigated) isEvent()      {}
func (PageTitleChanged) isEvent()   {}
func (PageFaviconChanged) isEvent() {}

// Bus fans each published event out to every subscriber, in subscription
// order, on the caller's goroutine.
type Bus struct {
	mu   sync.RWMutex
	next int
	subs []subscriber
}

type subscriber struct {
	id int
	fn func(Event)
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers fn for all events. The returned cancel removes the
// subscription; it is safe to call more than once.
func (b *Bus) Subscribe(fn func(Event)) (cancel func()) {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs = append(b.subs, subscriber{id: id, fn: fn})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers ev to every current subscriber synchronously.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	subs := make([]subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		s.fn(ev)
	}
}
