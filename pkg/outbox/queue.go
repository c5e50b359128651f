package outbox

import (
	"sort"
	"sync"
)

// Queue is the in-memory projection of outbox entries per tenant. Entries
// reach it only through applied WAL operations; the cursor lives in the
// durable log's counter stream (see CursorStore) so a restart resumes from
// the last successfully dispatched prefix.
type Queue struct {
	mu      sync.RWMutex
	entries map[string][]Entry // tenant -> entries ordered by Index
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{entries: make(map[string][]Entry)}
}

// Append records an entry. Called only from WAL apply.
func (q *Queue) Append(e Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries[e.Tenant] = append(q.entries[e.Tenant], e)
}

// After returns up to max entries with Index > cursor for a tenant, in
// index order.
func (q *Queue) After(tenant string, cursor uint64, max int) []Entry {
	q.mu.RLock()
	defer q.mu.RUnlock()

	all := q.entries[tenant]
	// Entries are appended in index order; find the first past the cursor.
	i := sort.Search(len(all), func(i int) bool { return all[i].Index > cursor })
	out := all[i:]
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	result := make([]Entry, len(out))
	copy(result, out)
	return result
}

// Tenants returns every tenant with at least one entry, sorted for
// deterministic drain order.
func (q *Queue) Tenants() []string {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]string, 0, len(q.entries))
	for t := range q.entries {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Len returns the total entry count for a tenant.
func (q *Queue) Len(tenant string) int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.entries[tenant])
}
