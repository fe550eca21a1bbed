// Package utils holds small helpers shared by the HTTP and service layers.
package utils

import "strconv"

// AtoiDefault parses s, returning def when s is empty or not an integer.
func AtoiDefault(s string, def int) int {
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

// Page is a requested slice of the feed.
type Page struct {
	Offset int
	Limit  int
}

// ParsePage reads raw offset and limit values. A missing or malformed
// limit becomes def; the result is bounded to offset >= 0 and
// 1 <= limit <= max.
func ParsePage(offset, limit string, def, max int) Page {
	p := Page{Offset: AtoiDefault(offset, 0), Limit: AtoiDefault(limit, def)}
	if p.Offset < 0 {
		p.Offset = 0
	}
	if p.Limit < 1 {
		p.Limit = 1
	}
	if p.Limit > max {
		p.Limit = max
	}
	return p
}

// HasNext reports whether items remain after p in a list of total items.
func (p Page) HasNext(total int) bool { return p.Offset+p.Limit < total }

// Window clamps an offset/limit pair against total items and returns the
// [start, end) bounds to slice with. A non-positive limit means "to the end".
func Window(offset, limit, total int) (start, end int) {
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end = total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return offset, end
}
