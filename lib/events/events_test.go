package events

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/MAGI3/Magi/lib/fleet"
)

func TestPublishReachesAllSubscribersInOrder(t *testing.T) {
	b := NewBus()

	var got []string
	b.Subscribe(func(ev Event) {
		if e, ok := ev.(PageCreated); ok {
			got = append(got, "a:"+e.Page.ID)
		}
	})
	b.Subscribe(func(ev Event) {
		if e, ok := ev.(PageCreated); ok {
			got = append(got, "b:"+e.Page.ID)
		}
	})

	b.Publish(PageCreated{Page: fleet.PageRecord{ID: "p1"}})
	b.Publish(PageCreated{Page: fleet.PageRecord{ID: "p2"}})

	assert.Equal(t, []string{"a:p1", "b:p1", "a:p2", "b:p2"}, got)
}

func TestCancelStopsDelivery(t *testing.T) {
	b := NewBus()

	var n int
	cancel := b.Subscribe(func(Event) { n++ })
	b.Publish(BrowserDestroyed{BrowserID: "b1"})
	cancel()
	cancel() // safe twice
	b.Publish(BrowserDestroyed{BrowserID: "b1"})

	assert.Equal(t, 1, n)
}
