package internal

import "sync"

// SendQueue is a FIFO of outbound datagrams handed from producer goroutines
// to the session loop.
type SendQueue struct {
	mu      sync.Mutex
	packets [][]byte
}

// NewSendQueue creates an empty queue.
func NewSendQueue() *SendQueue {
	return &SendQueue{}
}

// Push copies pkt onto the tail of the queue.
func (q *SendQueue) Push(pkt []byte) {
	buf := make([]byte, len(pkt))
	copy(buf, pkt)

	q.mu.Lock()
	q.packets = append(q.packets, buf)
	q.mu.Unlock()
}

// Pop removes the head of the queue. The returned slice is owned by the
// caller.
func (q *SendQueue) Pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.packets) == 0 {
		return nil, false
	}
	pkt := q.packets[0]
	q.packets[0] = nil
	q.packets = q.packets[1:]
	if len(q.packets) == 0 {
		q.packets = q.packets[:0:0]
	}
	return pkt, true
}

// Len returns the number of queued datagrams.
func (q *SendQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.packets)
}

// Clear drops everything queued.
func (q *SendQueue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.packets)
	q.packets = nil
	return n
}
