package transport

import (
	"sync"

	"github.com/automoto/netsync/shared/protocol"
)

// outQueue is a per-connection outbound queue. Reliable packets are never
// dropped; unreliable packets beyond the limit evict the oldest unreliable
// packet.
type outQueue struct {
	mu       sync.Mutex
	items    [][]byte
	chans    []protocol.Channel
	unrel    int
	limit    int
	dropped  uint64
	closed   bool
	notEmpty chan struct{}
}

func newOutQueue(limit int) *outQueue {
	if limit < 1 {
		limit = 1
	}
	return &outQueue{limit: limit, notEmpty: make(chan struct{}, 1)}
}

func (q *outQueue) push(ch protocol.Channel, b []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}

	if ch == protocol.Unreliable {
		if q.unrel >= q.limit {
			q.dropOldestUnreliable()
		}
		q.unrel++
	} else if len(q.items)-q.unrel >= q.limit*4 {
		return ErrQueueFull
	}
	q.items = append(q.items, b)
	q.chans = append(q.chans, ch)

	select {
	case q.notEmpty <- struct{}{}:
	default:
	}
	return nil
}

func (q *outQueue) dropOldestUnreliable() {
	for i, ch := range q.chans {
		if ch != protocol.Unreliable {
			continue
		}
		q.items = append(q.items[:i], q.items[i+1:]...)
		q.chans = append(q.chans[:i], q.chans[i+1:]...)
		q.unrel--
		q.dropped++
		return
	}
}

// pop removes everything queued.
func (q *outQueue) pop() ([][]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items, q.chans, q.unrel = nil, nil, 0
	return items, !q.closed
}

func (q *outQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *outQueue) droppedCount() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

func (q *outQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.notEmpty)
}
