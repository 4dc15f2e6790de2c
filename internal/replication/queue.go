package replication

import "container/heap"

// MessageQueue orders stored messages by date, oldest first.
type MessageQueue struct {
	h messageHeap
}

// NewMessageQueue creates an empty queue.
func NewMessageQueue() *MessageQueue {
	return &MessageQueue{}
}

// Push adds msg.
func (q *MessageQueue) Push(msg *StoredMessage) {
	heap.Push(&q.h, msg)
}

// Pop removes and returns the oldest message, or nil when empty.
func (q *MessageQueue) Pop() *StoredMessage {
	if q.h.Len() == 0 {
		return nil
	}
	return heap.Pop(&q.h).(*StoredMessage)
}

// Len returns the number of queued messages.
func (q *MessageQueue) Len() int { return q.h.Len() }

// Drain pops every message in order.
func (q *MessageQueue) Drain() []*StoredMessage {
	out := make([]*StoredMessage, 0, q.Len())
	for q.Len() > 0 {
		out = append(out, q.Pop())
	}
	return out
}

type messageHeap []*StoredMessage

func (h messageHeap) Len() int { return len(h) }

func (h messageHeap) Less(i, j int) bool {
	a, b := h[i].env, h[j].env
	if a.Date.Equal(b.Date) {
		return a.ID < b.ID
	}
	return a.Date.Before(b.Date)
}

func (h messageHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *messageHeap) Push(x any) { *h = append(*h, x.(*StoredMessage)) }

func (h *messageHeap) Pop() any {
	old := *h
	n := len(old)
	msg := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return msg
}
