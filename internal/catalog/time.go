package catalog

import "time"

// Times are stored as Unix nanoseconds (INTEGER columns) — matches the
// teacher's baseline.go convention (m.nowFunc().UnixNano()), avoiding any
// ambiguity around SQLite's textual datetime handling.

func toUnixNano(t time.Time) int64 {
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func toNullableUnixNano(t *time.Time) *int64 {
	if t == nil {
		return nil
	}

	n := t.UnixNano()
	return &n
}

func fromNullableUnixNano(n int64, valid bool) *time.Time {
	if !valid {
		return nil
	}

	t := fromUnixNano(n)
	return &t
}
