package internal

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendQueueFIFO(t *testing.T) {
	q := NewSendQueue()
	q.Push([]byte("a"))
	q.Push([]byte("b"))
	q.Push([]byte("c"))
	require.Equal(t, 3, q.Len())

	for _, want := range []string{"a", "b", "c"} {
		pkt, ok := q.Pop()
		require.True(t, ok)
		assert.Equal(t, want, string(pkt))
	}
	_, ok := q.Pop()
	assert.False(t, ok)
}

func TestSendQueueCopiesPackets(t *testing.T) {
	q := NewSendQueue()
	buf := []byte("hello")
	q.Push(buf)
	buf[0] = 'j'

	pkt, _ := q.Pop()
	assert.Equal(t, "hello", string(pkt))
}

func TestSendQueueClear(t *testing.T) {
	q := NewSendQueue()
	q.Push([]byte{1})
	q.Push([]byte{2})

	assert.Equal(t, 2, q.Clear())
	assert.Zero(t, q.Len())
}

func TestSendQueueConcurrentProducers(t *testing.T) {
	q := NewSendQueue()
	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				q.Push([]byte{byte(p), byte(i)})
			}
		}(p)
	}
	wg.Wait()

	// per producer order survives interleaving
	next := make([]int, 4)
	for {
		pkt, ok := q.Pop()
		if !ok {
			break
		}
		assert.Equal(t, next[pkt[0]], int(pkt[1]))
		next[pkt[0]]++
	}
	assert.Equal(t, []int{100, 100, 100, 100}, next)
}
