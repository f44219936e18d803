package answer

// shouldStop applies the continuation policy after an iteration.
// synthesized reports whether a candidate exists for this iteration; v is
// ignored when it does not.
//
//	satisfactory,  current ≥ min  → stop
//	satisfactory,  current < min  → continue
//	unsatisfactory with gaps      → continue (gaps feed the next decomposition)
//	unsatisfactory, no gaps, ≥ min → stop
//	unsatisfactory, no gaps, < min → continue
//	no candidate                  → continue
//
// Exceeding max is handled by the caller's loop bound.
func shouldStop(current, minIterations int, synthesized bool, v Verdict) bool {
	if !synthesized {
		return false
	}
	if v.IsSatisfactory {
		return current >= minIterations
	}
	if len(v.Gaps) > 0 {
		return false
	}
	return current >= minIterations
}
