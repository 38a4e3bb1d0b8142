// Package intercept implements the priority-ordered registry of
// short-circuit rules consulted before any forwarding or playback.
package intercept

import (
	"sort"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/burpheart/replay-tap/internal/protocol"
)

// entry is one registered intercept. Exhausted entries stay registered so
// their stats remain queryable.
type entry struct {
	id         string
	seq        int
	spec       protocol.InterceptSpec
	matchCount int
	registered time.Time
}

func (e *entry) active() bool {
	return e.spec.Times == 0 || e.matchCount < e.spec.Times
}

// Match is a successful registry hit.
type Match struct {
	ID       string
	Spec     protocol.InterceptSpec
	Delay    time.Duration
	Response protocol.ResponsePayload
}

// Stats describes one intercept for control queries.
type Stats struct {
	ID         string                 `json:"interceptId"`
	Spec       protocol.InterceptSpec `json:"spec"`
	MatchCount int                    `json:"matchCount"`
	Active     bool                   `json:"active"`
	Registered time.Time              `json:"registeredAt"`
}

// Registry holds a session's intercepts under a single lock.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	nextSeq int
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register inserts a spec and returns its fresh intercept id.
func (r *Registry) Register(spec protocol.InterceptSpec) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := protocol.NewInterceptID()
	r.entries[id] = &entry{
		id:         id,
		seq:        r.nextSeq,
		spec:       spec,
		registered: time.Now().UTC(),
	}
	r.nextSeq++
	return id
}

// Remove deletes an intercept, reporting whether it existed.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; !ok {
		return false
	}
	delete(r.entries, id)
	return true
}

// Clear removes all intercepts, or only those for service when non-empty,
// returning the count cleared.
func (r *Registry) Clear(service string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cleared := 0
	for id, e := range r.entries {
		if service != "" && e.spec.Match.Service != service {
			continue
		}
		delete(r.entries, id)
		cleared++
	}
	return cleared
}

// Stats returns the stats for one intercept.
func (r *Registry) Stats(id string) (Stats, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return Stats{}, false
	}
	return statsOf(e), true
}

// List returns stats for every registered intercept, insertion order.
func (r *Registry) List() []Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	all := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		all = append(all, e)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].seq < all[j].seq })

	out := make([]Stats, len(all))
	for i, e := range all {
		out[i] = statsOf(e)
	}
	return out
}

func statsOf(e *entry) Stats {
	return Stats{
		ID:         e.id,
		Spec:       e.spec,
		MatchCount: e.matchCount,
		Active:     e.active(),
		Registered: e.registered,
	}
}

// MatchRequest scans for the best active intercept for a request: same
// service, payload fields (functionName, url, method) satisfied, highest
// priority winning with insertion order breaking ties. A hit increments
// the entry's match count; exhausting times deactivates without removing.
func (r *Registry) MatchRequest(req *protocol.RequestPayload) *Match {
	r.mu.Lock()
	defer r.mu.Unlock()

	fields := gjson.GetManyBytes(req.Payload, "functionName", "url", "method")
	functionName, url, method := fields[0].String(), fields[1].String(), fields[2].String()

	var best *entry
	for _, e := range r.entries {
		if !e.active() || e.spec.Match.Service != req.Service {
			continue
		}
		m := e.spec.Match
		if m.FunctionName != "" && m.FunctionName != functionName {
			continue
		}
		if m.Method != "" && m.Method != method {
			continue
		}
		if m.URLMatch != nil && !m.URLMatch.Matches(url) {
			continue
		}
		if best == nil || e.spec.Priority > best.spec.Priority ||
			(e.spec.Priority == best.spec.Priority && e.seq < best.seq) {
			best = e
		}
	}
	if best == nil {
		return nil
	}

	best.matchCount++
	return &Match{
		ID:       best.id,
		Spec:     best.spec,
		Delay:    time.Duration(best.spec.DelayMs) * time.Millisecond,
		Response: best.spec.Response,
	}
}
