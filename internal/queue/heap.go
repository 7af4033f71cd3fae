package queue

import "container/heap"

// lessFunc orders two messages for the ready structure.
type lessFunc func(a, b *Message) bool

func orderFor(t Type) lessFunc {
	switch t {
	case TypePriority:
		return func(a, b *Message) bool {
			if a.Priority != b.Priority {
				return a.Priority > b.Priority
			}
			if !a.ScheduledAt.Equal(b.ScheduledAt) {
				return a.ScheduledAt.Before(b.ScheduledAt)
			}
			return a.seq < b.seq
		}
	case TypeLIFO:
		return func(a, b *Message) bool { return a.seq > b.seq }
	case TypeDelayed:
		return func(a, b *Message) bool {
			if !a.ScheduledAt.Equal(b.ScheduledAt) {
				return a.ScheduledAt.Before(b.ScheduledAt)
			}
			return a.seq < b.seq
		}
	default: // FIFO, BATCH
		return func(a, b *Message) bool { return a.seq < b.seq }
	}
}

// msgHeap is a heap of messages with a pluggable order.
type msgHeap struct {
	items []*Message
	less  lessFunc
}

func newMsgHeap(less lessFunc) *msgHeap {
	return &msgHeap{less: less}
}

func (h *msgHeap) Len() int            { return len(h.items) }
func (h *msgHeap) Less(i, j int) bool  { return h.less(h.items[i], h.items[j]) }
func (h *msgHeap) Swap(i, j int)       { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *msgHeap) Push(x interface{})  { h.items = append(h.items, x.(*Message)) }
func (h *msgHeap) Pop() interface{} {
	old := h.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	h.items = old[:n-1]
	return item
}

func (h *msgHeap) push(m *Message) { heap.Push(h, m) }

func (h *msgHeap) pop() *Message {
	if h.Len() == 0 {
		return nil
	}
	return heap.Pop(h).(*Message)
}

func (h *msgHeap) peek() *Message {
	if h.Len() == 0 {
		return nil
	}
	return h.items[0]
}

// remove drops the message with the given id, if present.
func (h *msgHeap) remove(id string) bool {
	for i, m := range h.items {
		if m.ID == id {
			heap.Remove(h, i)
			return true
		}
	}
	return false
}
