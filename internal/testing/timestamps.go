package testing

import "time"

// SequentialTimestamps returns n strictly increasing ISO-8601 timestamps
// starting at base, one second apart. Useful for building conversations with
// a known chronological order.
func SequentialTimestamps(base time.Time, n int) []string {
	timestamps := make([]string, n)
	for i := 0; i < n; i++ {
		timestamps[i] = base.Add(time.Duration(i) * time.Second).UTC().Format(time.RFC3339)
	}
	return timestamps
}
