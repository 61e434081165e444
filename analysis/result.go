package analysis

// CardResult is what a handler returns from Execute or Fallback. The
// scheduler turns it into a persisted Document after validation,
// normalization, and pruning.
type CardResult struct {
	// Data is the card's public payload.
	Data map[string]interface{}

	// IsFallback marks a degraded payload produced by the fallback path.
	IsFallback bool

	// Code tags a fallback payload with its machine-readable reason.
	Code string

	// PreserveEmpty disables pruning for this result unconditionally.
	PreserveEmpty bool

	// SkipValidation bypasses the handler's Validate call. Used by handlers
	// whose fallback payloads would not pass their own structural checks.
	SkipValidation bool

	// Artifacts are named intra-job artifacts published alongside the card
	// output. An enrich resource card can publish several downstream
	// artifacts from a single upstream call.
	Artifacts map[string]interface{}

	// Counters feed the subject fingerprint (citation counts, follower
	// counts, updated timestamps). Only resource cards set them, and only
	// with material the source's freshness probe can reproduce: the merged
	// counters of a run are hashed into the fingerprint the probe is later
	// compared against.
	Counters map[string]interface{}
}

// PruneEmpty removes empty values from a payload map. Business cards are
// never pruned; internal cards may be pruned so long as their artifact role
// survives, which the scheduler guarantees by publishing artifacts before
// pruning.
func PruneEmpty(data map[string]interface{}) map[string]interface{} {
	pruned := make(map[string]interface{}, len(data))
	for k, v := range data {
		if isEmptyValue(v) {
			continue
		}
		pruned[k] = v
	}
	return pruned
}

func isEmptyValue(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case []interface{}:
		return len(val) == 0
	case map[string]interface{}:
		return len(val) == 0
	}
	return false
}

// Prunable reports whether a finished card's payload may be pruned under
// the pruning policy: only internal cards without preserve_empty.
func Prunable(internal bool, meta Meta) bool {
	if !internal {
		return false
	}
	return !meta.PreserveEmpty
}
