package processor

import "sync"

// examineItem is one queued path awaiting triage and analysis
type examineItem struct {
	Path     string // absolute, OS-native path
	Norm     string // normalized key
	IsDelete bool
}

// examineQueue is the keyed FIFO of files awaiting analysis. Pushing a
// path already present replaces it and moves it to the back
// (last-write-wins for pending analysis). Producers on any goroutine pay
// only the cost of the push; everything else happens on the processing
// goroutine.
type examineQueue struct {
	mu     sync.Mutex
	order  []string
	items  map[string]examineItem
	signal chan struct{}
}

func newExamineQueue() *examineQueue {
	return &examineQueue{
		items:  make(map[string]examineItem),
		signal: make(chan struct{}, 1),
	}
}

// Push enqueues an item, replacing any pending entry for the same path
func (q *examineQueue) Push(item examineItem) {
	q.mu.Lock()
	if _, exists := q.items[item.Norm]; exists {
		for i, key := range q.order {
			if key == item.Norm {
				q.order = append(q.order[:i], q.order[i+1:]...)
				break
			}
		}
	}
	q.order = append(q.order, item.Norm)
	q.items[item.Norm] = item
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Pop removes and returns the oldest item
func (q *examineQueue) Pop() (examineItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.order) == 0 {
		return examineItem{}, false
	}
	key := q.order[0]
	q.order = q.order[1:]
	item := q.items[key]
	delete(q.items, key)
	return item, true
}

// Len returns the number of queued items
func (q *examineQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

// Signal returns the channel pulsed on pushes
func (q *examineQueue) Signal() <-chan struct{} {
	return q.signal
}
