package bus

import (
	"container/list"
	"time"
)

type seenEntry struct {
	key string
	at  time.Time
}

// dedupWindow remembers recently delivered message keys, oldest first.
// It forgets a key once it is older than window or once more than capacity
// newer keys have been seen, whichever comes first.
type dedupWindow struct {
	window   time.Duration
	capacity int

	order *list.List
	index map[string]*list.Element
}

func newDedupWindow(window time.Duration, capacity int) *dedupWindow {
	if capacity < 1 {
		capacity = 1
	}
	return &dedupWindow{
		window:   window,
		capacity: capacity,
		order:    list.New(),
		index:    make(map[string]*list.Element, capacity),
	}
}

// seen reports whether key was recorded within the window before now, and
// records it otherwise.
func (d *dedupWindow) seen(key string, now time.Time) bool {
	d.expire(now)

	if _, ok := d.index[key]; ok {
		return true
	}

	d.index[key] = d.order.PushBack(&seenEntry{key: key, at: now})
	for d.order.Len() > d.capacity {
		d.remove(d.order.Front())
	}
	return false
}

func (d *dedupWindow) expire(now time.Time) {
	for e := d.order.Front(); e != nil; e = d.order.Front() {
		if now.Sub(e.Value.(*seenEntry).at) < d.window {
			return
		}
		d.remove(e)
	}
}

func (d *dedupWindow) remove(e *list.Element) {
	delete(d.index, e.Value.(*seenEntry).key)
	d.order.Remove(e)
}

func (d *dedupWindow) len() int {
	return d.order.Len()
}
