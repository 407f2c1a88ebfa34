package platform

// Queue is a bounded drop-newest queue. Push never blocks: when the queue is
// full the incoming item is rejected and the caller decides how to count or
// log the drop.
type Queue[T any] struct {
	ch chan T
}

// NewQueue creates a queue with the given capacity.
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{ch: make(chan T, capacity)}
}

// Push enqueues v, returning false if the queue is full.
func (q *Queue[T]) Push(v T) bool {
	select {
	case q.ch <- v:
		return true
	default:
		return false
	}
}

// Drain removes and returns queued items without blocking. A max of 0 drains
// everything currently queued.
func (q *Queue[T]) Drain(max int) []T {
	var out []T
	for {
		select {
		case v := <-q.ch:
			out = append(out, v)
			if max > 0 && len(out) >= max {
				return out
			}
		default:
			return out
		}
	}
}

// C exposes the receive side for select loops.
func (q *Queue[T]) C() <-chan T {
	return q.ch
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	return len(q.ch)
}
