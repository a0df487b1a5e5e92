package lms

import (
	"github.com/emirpasic/gods/v2/queues/circularbuffer"

	"github.com/ollama/diffusion/tensor"
)

// History is a bounded FIFO of derivative tensors. Pushing onto a full
// history evicts the oldest entry.
type History struct {
	buf *circularbuffer.Queue[*tensor.Tensor]
	cap int
}

// NewHistory returns an empty history holding at most capacity entries.
// capacity must be at least 1.
func NewHistory(capacity int) *History {
	return &History{buf: circularbuffer.New[*tensor.Tensor](capacity), cap: capacity}
}

func (h *History) Push(d *tensor.Tensor) {
	h.buf.Enqueue(d)
}

func (h *History) Len() int {
	return h.buf.Size()
}

func (h *History) Cap() int {
	return h.cap
}

// Values returns the entries oldest first.
func (h *History) Values() []*tensor.Tensor {
	return h.buf.Values()
}

// Reversed returns the entries most recent first.
func (h *History) Reversed() []*tensor.Tensor {
	values := h.buf.Values()
	for i, j := 0, len(values)-1; i < j; i, j = i+1, j-1 {
		values[i], values[j] = values[j], values[i]
	}
	return values
}

func (h *History) Clear() {
	h.buf.Clear()
}
