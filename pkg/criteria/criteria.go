// Package criteria defines the declarative filter/paging/sort records shared
// by every repository port, and the authorization scope they
// carry. Translation to a backend query lives in the pgquery adapter; this
// package stays storage-agnostic.
package criteria

// SortDirection is the direction of a sort field.
type SortDirection string

const (
	Asc  SortDirection = "ASC"
	Desc SortDirection = "DESC"
)

// SortField names one column to order by.
type SortField struct {
	Column    string
	Direction SortDirection
}

// DefaultSort is the stable sort applied when the caller does not override
// it: {updatedAt DESC, id ASC}.
var DefaultSort = []SortField{
	{Column: "updated_at", Direction: Desc},
	{Column: "id", Direction: Asc},
}

// Paging carries the requested page window.
type Paging struct {
	PageIndex int // 0-based
	PageSize  int
}

// Page is the paged response envelope.
type Page[T any] struct {
	Content       []T
	TotalElements int
	TotalPages    int
	PageIndex     int
	PageSize      int
}

// NewPage builds a Page from a content slice and total element count.
func NewPage[T any](content []T, paging Paging, totalElements int) Page[T] {
	totalPages := 0
	if paging.PageSize > 0 {
		totalPages = (totalElements + paging.PageSize - 1) / paging.PageSize
	}
	return Page[T]{
		Content:       content,
		TotalElements: totalElements,
		TotalPages:    totalPages,
		PageIndex:     paging.PageIndex,
		PageSize:      paging.PageSize,
	}
}

// AuthScope is the authorization-evaluator-computed set of service IDs a
// caller may see, folded into criteria when listing. A nil ServiceIDs with
// Unrestricted=false means "no visible
// services" (the caller should get an empty page, not an unscoped query).
type AuthScope struct {
	Unrestricted bool // true for SYS_ADMIN, bypasses filtering entirely
	ServiceIDs   []string
}

// Filter is a single equality/range constraint on a named field. Op is one
// of "eq", "in", "gte", "lte", "neq"; Value's type depends on Op and the
// target field, interpreted by the pgquery adapter.
type Filter struct {
	Field string
	Op    string
	Value any
}

// Criteria is the full declarative query: filters plus the authorization
// scope that must additionally constrain the result set.
type Criteria struct {
	Filters []Filter
	Scope   AuthScope
	Sort    []SortField
	Paging  Paging
}

// EffectiveSort returns c.Sort, falling back to DefaultSort when unset.
func (c Criteria) EffectiveSort() []SortField {
	if len(c.Sort) > 0 {
		return c.Sort
	}
	return DefaultSort
}
