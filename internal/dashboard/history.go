package dashboard

import (
	"sync"

	"github.com/gobeng5/forex-chart-dashboard/internal/signal"
)

// DefaultHistorySize is the number of signals kept when no size is given.
const DefaultHistorySize = 20

// History is a capped in-memory list of received signals, newest first.
type History struct {
	mu      sync.RWMutex
	size    int
	entries []signal.Signal
}

func NewHistory(size int) *History {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &History{size: size, entries: make([]signal.Signal, 0, size)}
}

// Add prepends sig, evicting the oldest entry beyond capacity.
func (h *History) Add(sig signal.Signal) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.entries) < h.size {
		h.entries = append(h.entries, signal.Signal{})
	}
	copy(h.entries[1:], h.entries[:len(h.entries)-1])
	h.entries[0] = sig
}

// List returns a copy, newest first.
func (h *History) List() []signal.Signal {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]signal.Signal, len(h.entries))
	copy(out, h.entries)
	return out
}

func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}
