package domain

// ResolveFunc decides the values to retry with after a concurrency conflict. proposed are the
// in-memory values, persisted the values currently in the store. The result becomes the
// record's new in-memory state.
type ResolveFunc func(proposed, persisted PropertyValues) PropertyValues

// ProposedWins keeps the in-memory values (last writer wins).
func ProposedWins(proposed, _ PropertyValues) PropertyValues {
	return proposed.Clone()
}

// PersistedWins discards the in-memory changes.
func PersistedWins(_, persisted PropertyValues) PropertyValues {
	return persisted.Clone()
}

// KeepPersisted takes the named columns from the store and everything else from memory.
func KeepPersisted(columns ...string) ResolveFunc {
	return func(proposed, persisted PropertyValues) PropertyValues {
		out := proposed.Clone()
		for _, col := range columns {
			if v, ok := persisted[col]; ok {
				out[col] = v
			}
		}
		return out
	}
}
