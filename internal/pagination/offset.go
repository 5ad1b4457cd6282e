// Package pagination provides offset/limit paging over filtered result sets.
package pagination

import (
	"strconv"

	"github.com/gin-gonic/gin"
)

const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// Params is a validated offset/limit pair.
type Params struct {
	Offset int
	Limit  int
}

// Normalize clamps negative offsets to zero and keeps limit within (0, MaxLimit].
func (p Params) Normalize() Params {
	if p.Offset < 0 {
		p.Offset = 0
	}
	if p.Limit <= 0 {
		p.Limit = DefaultLimit
	}
	if p.Limit > MaxLimit {
		p.Limit = MaxLimit
	}
	return p
}

// Apply returns the page of items described by p. An offset past the end
// yields an empty, non-nil slice.
func Apply[T any](items []T, p Params) []T {
	p = p.Normalize()
	if p.Offset >= len(items) {
		return []T{}
	}
	end := p.Offset + p.Limit
	if end > len(items) {
		end = len(items)
	}
	return items[p.Offset:end]
}

// FromQuery reads ?offset= and ?limit= from a gin request. Unparseable values
// fall back to defaults.
func FromQuery(c *gin.Context) Params {
	var p Params
	if v := c.Query("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			p.Offset = n
		}
	}
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			p.Limit = n
		}
	}
	return p.Normalize()
}
