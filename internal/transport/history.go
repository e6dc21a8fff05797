package transport

import (
	"time"

	"github.com/1ureka/coopsync/internal/protocol"
)

// DedupWindow is how long a received (source, sender, sequence) key is
// remembered.
const DedupWindow = 5 * time.Second

// history is the dedup table. It is owned by the tick goroutine; the
// receiver never reads or writes it.
type history struct {
	remaining map[protocol.Key]time.Duration
}

func newHistory() *history {
	return &history{remaining: make(map[protocol.Key]time.Duration)}
}

// observe records k and reports whether it was new.
func (h *history) observe(k protocol.Key) bool {
	if _, seen := h.remaining[k]; seen {
		return false
	}
	h.remaining[k] = DedupWindow
	return true
}

// age counts every entry down by dt and drops the expired ones.
func (h *history) age(dt time.Duration) {
	for k, left := range h.remaining {
		left -= dt
		if left <= 0 {
			delete(h.remaining, k)
			continue
		}
		h.remaining[k] = left
	}
}

func (h *history) len() int { return len(h.remaining) }
