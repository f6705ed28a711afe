package models

type PaginationResult[T any] struct {
	Items           []T  `json:"items"`
	TotalItems      int  `json:"total_items"`
	Page            int  `json:"page"`
	PageSize        int  `json:"page_size"`
	TotalPages      int  `json:"total_pages"`
	HasNextPage     bool `json:"has_next_page"`
	HasPreviousPage bool `json:"has_previous_page"`
}

// NewPaginationResult derives the page bookkeeping from a limit/offset
// window over total matching items.
func NewPaginationResult[T any](items []T, total, limit, offset int) PaginationResult[T] {
	if limit <= 0 {
		limit = 1
	}
	page := offset/limit + 1
	totalPages := (total + limit - 1) / limit
	return PaginationResult[T]{
		Items:           items,
		TotalItems:      total,
		Page:            page,
		PageSize:        limit,
		TotalPages:      totalPages,
		HasNextPage:     offset+len(items) < total,
		HasPreviousPage: offset > 0,
	}
}
