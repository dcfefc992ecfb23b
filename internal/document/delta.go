package document

import "reflect"

// GenerateDelta computes the minimal delta between the prior cached
// version of a document and its fresh serialization. The result keeps id
// and every meta field of next, plus exactly the non-meta fields whose
// value differs from prior. Returns nil when nothing differs.
//
// List-valued fields are compared as sets: reordering alone never
// produces a delta. Callers relying on list order must carry an explicit
// position field.
func GenerateDelta(prior, next Document) Document {
	delta := make(Document, len(next))
	changed := false

	for key, value := range next {
		if IsMetaField(key) {
			delta[key] = value
			continue
		}
		old, ok := prior[key]
		if !ok || !valueEqual(old, value) {
			delta[key] = value
			changed = true
		}
	}

	if !changed {
		return nil
	}
	return delta
}

// valueEqual compares two decoded JSON values. Numbers compare by value
// across int/float representations; slices compare as sets.
func valueEqual(a, b any) bool {
	if an, aok := asFloat(a); aok {
		bn, bok := asFloat(b)
		return bok && an == bn
	}

	switch at := a.(type) {
	case []any:
		bt, ok := b.([]any)
		if !ok {
			return false
		}
		return equalAsSet(at, bt)
	case map[string]any:
		bt, ok := b.(map[string]any)
		if !ok || len(at) != len(bt) {
			return false
		}
		for k, av := range at {
			bv, ok := bt[k]
			if !ok || !valueEqual(av, bv) {
				return false
			}
		}
		return true
	default:
		return reflect.DeepEqual(a, b)
	}
}

// equalAsSet reports whether two slices hold the same elements ignoring
// order. Duplicates are matched one-to-one.
func equalAsSet(a, b []any) bool {
	if len(a) != len(b) {
		return false
	}
	used := make([]bool, len(b))
outer:
	for _, av := range a {
		for i, bv := range b {
			if !used[i] && valueEqual(av, bv) {
				used[i] = true
				continue outer
			}
		}
		return false
	}
	return true
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint64:
		return float64(t), true
	}
	return 0, false
}
