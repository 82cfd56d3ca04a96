package marketdata

// ring is a fixed-size circular buffer. Oldest entries are overwritten once
// the buffer is full.
type ring[T any] struct {
	data  []T
	head  int // next write position
	count int
}

func newRing[T any](capacity int) *ring[T] {
	return &ring[T]{data: make([]T, capacity)}
}

func (r *ring[T]) push(v T) {
	r.data[r.head] = v
	r.head = (r.head + 1) % len(r.data)
	if r.count < len(r.data) {
		r.count++
	}
}

// recent returns the n newest entries in chronological order.
func (r *ring[T]) recent(n int) []T {
	if n <= 0 || r.count == 0 {
		return nil
	}
	if n > r.count {
		n = r.count
	}

	result := make([]T, n)
	start := (r.head - n + len(r.data)) % len(r.data)
	for i := range n {
		result[i] = r.data[(start+i)%len(r.data)]
	}
	return result
}

// all returns every buffered entry in chronological order.
func (r *ring[T]) all() []T {
	return r.recent(r.count)
}
