package gateway

import (
	"sync"

	"github.com/rawblock/botwall/pkg/models"
)

// recentVerdicts is a fixed-capacity index of the latest verdicts keyed
// by request id. The feedback endpoint resolves labels against it, so it
// only needs to cover the window in which an operator could plausibly
// report ground truth.
type recentVerdicts struct {
	mu    sync.Mutex
	cap   int
	order []string
	next  int
	byID  map[string]recentEntry
}

type recentEntry struct {
	evidence   *models.AggregatedEvidence
	signatures models.Signatures
}

func newRecentVerdicts(capacity int) *recentVerdicts {
	if capacity <= 0 {
		capacity = 4096
	}
	return &recentVerdicts{
		cap:   capacity,
		order: make([]string, capacity),
		byID:  make(map[string]recentEntry, capacity),
	}
}

func (r *recentVerdicts) put(id string, ev *models.AggregatedEvidence, sigs models.Signatures) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old := r.order[r.next]; old != "" {
		delete(r.byID, old)
	}
	r.order[r.next] = id
	r.next = (r.next + 1) % r.cap
	r.byID[id] = recentEntry{evidence: ev, signatures: sigs}
}

func (r *recentVerdicts) get(id string) (recentEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[id]
	return e, ok
}

func (r *recentVerdicts) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}
