package util

// CopyMap returns a copy of m that does not share storage with it. A nil map stays nil so that
// snapshots serialize the same way as the original.
func CopyMap[K comparable, V any](m map[K]V) map[K]V {
	if m == nil {
		return nil
	}
	c := make(map[K]V, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
