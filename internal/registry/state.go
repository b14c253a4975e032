package registry

import (
	"fmt"
	"time"

	"github.com/realmkeeper/realmkeeper/internal/filter"
	"github.com/realmkeeper/realmkeeper/internal/keys"
)

// State is the serializable content of a Registry, excluding the filter.
type State struct {
	Keys   []string
	Expiry map[string]time.Time
	Stats  Stats
}

// State captures the registry for persistence.
func (r *Registry) State() State {
	st := State{
		Keys:  r.Keys(),
		Stats: r.Stats(),
	}
	for key, e := range r.keys {
		if e.ExpiresAt.IsZero() {
			continue
		}
		if st.Expiry == nil {
			st.Expiry = make(map[string]time.Time)
		}
		st.Expiry[key] = e.ExpiresAt
	}
	return st
}

// RestoreReport describes what FromState had to repair.
type RestoreReport struct {
	// FilterRebuilt is set when the supplied filter was missing or unusable.
	FilterRebuilt bool
	// Reason explains a rebuild.
	Reason string
	// Dropped counts stored keys that were not canonical.
	Dropped int
}

// FromState rebuilds a registry from persisted state and an optional decoded
// filter. A nil filter, or one that fails to contain every key in the set,
// is replaced by a filter rebuilt from the set.
func FromState(cfg filter.Config, st State, f *filter.Filter) (*Registry, RestoreReport) {
	r := New(cfg)
	var report RestoreReport

	for _, raw := range st.Keys {
		key, err := keys.Normalize(raw)
		if err != nil {
			report.Dropped++
			continue
		}
		r.keys[key] = Entry{ExpiresAt: st.Expiry[key]}
	}
	r.stats = st.Stats.clone()
	r.recount()

	switch {
	case f == nil:
		report.FilterRebuilt = true
		report.Reason = "filter blob missing"
	default:
		for key := range r.keys {
			if !f.MightContain(key) {
				report.FilterRebuilt = true
				report.Reason = fmt.Sprintf("filter blob misses key %s", keys.Redact(key))
				break
			}
		}
	}

	if report.FilterRebuilt {
		r.RebuildFilter()
	} else {
		r.filter = f
	}
	return r, report
}
