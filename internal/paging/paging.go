// Package paging applies offset/limit windows to resolved rows.
package paging

// Paginate returns the window of rows starting at offset and holding at most
// *first rows, plus the offset the window starts at. A nil first leaves the
// window unbounded; an offset past the end yields an empty page.
func Paginate[T any](rows []T, first *int, offset int) ([]T, int) {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(rows) {
		return []T{}, offset
	}
	end := len(rows)
	if first != nil {
		limit := *first
		if limit < 0 {
			limit = 0
		}
		if offset+limit < end {
			end = offset + limit
		}
	}
	return rows[offset:end], offset
}
