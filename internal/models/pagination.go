package models

// Page selects a window of a listing. Page numbers start at 1.
type Page struct {
	Page     int
	PageSize int
}

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// Normalize clamps the page to sane bounds.
func (p Page) Normalize() Page {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PageSize <= 0 {
		p.PageSize = DefaultPageSize
	}
	if p.PageSize > MaxPageSize {
		p.PageSize = MaxPageSize
	}
	return p
}

// Offset is the number of rows skipped before the page.
func (p Page) Offset() int {
	p = p.Normalize()
	return (p.Page - 1) * p.PageSize
}

type PaginationResult[T any] struct {
	Items           []T  `json:"items"`
	TotalItems      int  `json:"total_items"`
	Page            int  `json:"page"`
	PageSize        int  `json:"page_size"`
	TotalPages      int  `json:"total_pages"`
	HasNextPage     bool `json:"has_next_page"`
	HasPreviousPage bool `json:"has_previous_page"`
}

// NewPaginationResult fills the derived fields from the total count.
func NewPaginationResult[T any](items []T, total int, p Page) PaginationResult[T] {
	p = p.Normalize()
	pages := (total + p.PageSize - 1) / p.PageSize
	if items == nil {
		items = []T{}
	}
	return PaginationResult[T]{
		Items:           items,
		TotalItems:      total,
		Page:            p.Page,
		PageSize:        p.PageSize,
		TotalPages:      pages,
		HasNextPage:     p.Page < pages,
		HasPreviousPage: p.Page > 1,
	}
}

// Paginate slices an in-memory listing.
func Paginate[T any](all []T, p Page) PaginationResult[T] {
	p = p.Normalize()
	start := p.Offset()
	if start > len(all) {
		start = len(all)
	}
	end := start + p.PageSize
	if end > len(all) {
		end = len(all)
	}
	return NewPaginationResult(all[start:end], len(all), p)
}
