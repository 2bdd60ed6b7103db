package livepatch

// clearCache cleans the data cache to the point of unification and
// invalidates the instruction cache for [start, end).
func clearCache(start, end uintptr)
