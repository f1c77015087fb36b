package memory

import "time"

const defaultLimit = 50

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}

func paginate[T any](items []T, limit, offset int) []T {
	if limit <= 0 {
		limit = defaultLimit
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	end := min(offset+limit, len(items))
	return items[offset:end]
}
