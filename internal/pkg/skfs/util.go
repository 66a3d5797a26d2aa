package skfs

// MaxInt returns the larger of a and b.
func MaxInt(a, b int) int {
	if a < b {
		return b
	}
	return a
}

// SplitEvenly cuts items into n contiguous groups whose sizes differ by at
// most one. Groups keep the order of items; when there are fewer items than
// groups the trailing groups are empty.
func SplitEvenly[T any](items []T, n int) [][]T {
	if n < 1 {
		n = 1
	}
	groups := make([][]T, n)
	size, rem := len(items)/n, len(items)%n
	start := 0
	for i := range groups {
		end := start + size
		if i < rem {
			end++
		}
		groups[i] = items[start:end:end]
		start = end
	}
	return groups
}

// SplitByFixedInterval cuts items into contiguous groups of groupLength
// items; the last group holds the remainder.
func SplitByFixedInterval[T any](items []T, groupLength int64) [][]T {
	total := int64(len(items))
	segments := make([][]T, 0)
	quantity := total / groupLength
	remainder := total % groupLength
	i := int64(0)
	for ; i < quantity; i++ {
		segments = append(segments, items[i*groupLength:(i+1)*groupLength])
	}
	if quantity == 0 || remainder != 0 {
		segments = append(segments, items[i*groupLength:i*groupLength+remainder])
	}
	return segments
}
