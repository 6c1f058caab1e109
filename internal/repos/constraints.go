package repos

import (
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// exactMatchWhitelist limits which jobs columns may be constrained by
// exact value.
var exactMatchWhitelist = map[string]bool{
	"job_id":        true,
	"request_id":    true,
	"username":      true,
	"status":        true,
	"service_name":  true,
	"provider_id":   true,
	"is_async":      true,
	"ignore_errors": true,
}

// whereInWhitelist limits which columns accept IN / NOT IN lists.
var whereInWhitelist = map[string]bool{
	"status":       true,
	"service_name": true,
	"provider_id":  true,
	"username":     true,
	"job_id":       true,
}

type DateRange struct {
	Field string // created_at or updated_at
	From  *time.Time
	To    *time.Time
}

type OrderBy struct {
	Field     string
	Direction string // asc or desc
}

// JobConstraints narrows job listing queries. Zero value matches
// everything ordered by created_at descending.
type JobConstraints struct {
	Exact      map[string]interface{}
	WhereIn    map[string][]string
	WhereNotIn map[string][]string
	Dates      *DateRange
	OrderBy    *OrderBy
}

func (c *JobConstraints) apply(q *gorm.DB) (*gorm.DB, error) {
	if c == nil {
		return q.Order("created_at DESC"), nil
	}
	for col, val := range c.Exact {
		if !exactMatchWhitelist[col] {
			return nil, fmt.Errorf("constraint column %q is not queryable", col)
		}
		q = q.Where(fmt.Sprintf("%s = ?", col), val)
	}
	for col, vals := range c.WhereIn {
		if !whereInWhitelist[col] {
			return nil, fmt.Errorf("constraint column %q does not accept IN lists", col)
		}
		q = q.Where(fmt.Sprintf("%s IN ?", col), vals)
	}
	for col, vals := range c.WhereNotIn {
		if !whereInWhitelist[col] {
			return nil, fmt.Errorf("constraint column %q does not accept NOT IN lists", col)
		}
		q = q.Where(fmt.Sprintf("%s NOT IN ?", col), vals)
	}
	if c.Dates != nil {
		field := c.Dates.Field
		if field != "created_at" && field != "updated_at" {
			return nil, fmt.Errorf("date range field %q is not queryable", field)
		}
		if c.Dates.From != nil {
			q = q.Where(fmt.Sprintf("%s >= ?", field), *c.Dates.From)
		}
		if c.Dates.To != nil {
			q = q.Where(fmt.Sprintf("%s <= ?", field), *c.Dates.To)
		}
	}
	order := clause.OrderByColumn{Column: clause.Column{Name: "created_at"}, Desc: true}
	if c.OrderBy != nil {
		if !exactMatchWhitelist[c.OrderBy.Field] && c.OrderBy.Field != "created_at" && c.OrderBy.Field != "updated_at" && c.OrderBy.Field != "progress" {
			return nil, fmt.Errorf("order by field %q is not queryable", c.OrderBy.Field)
		}
		order = clause.OrderByColumn{
			Column: clause.Column{Name: c.OrderBy.Field},
			Desc:   c.OrderBy.Direction != "asc",
		}
	}
	return q.Order(order), nil
}

// Pagination is length-aware listing metadata.
type Pagination struct {
	CurrentPage int   `json:"current_page"`
	PerPage     int   `json:"per_page"`
	Total       int64 `json:"total"`
	TotalPages  int   `json:"total_pages"`
}

func paginate(q *gorm.DB, page, perPage int) (*gorm.DB, Pagination, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 10
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, Pagination{}, err
	}
	totalPages := int((total + int64(perPage) - 1) / int64(perPage))
	meta := Pagination{CurrentPage: page, PerPage: perPage, Total: total, TotalPages: totalPages}
	return q.Offset((page - 1) * perPage).Limit(perPage), meta, nil
}

// rowLock adds FOR UPDATE when the dialect supports it. The sqlite
// test harness has no row locks; its single-writer model serializes
// writers anyway.
func rowLock(q *gorm.DB) *gorm.DB {
	if q.Dialector.Name() == "postgres" {
		return q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return q
}

// rowLockSkipLocked is rowLock plus SKIP LOCKED for claim queries.
func rowLockSkipLocked(q *gorm.DB) *gorm.DB {
	if q.Dialector.Name() == "postgres" {
		return q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
	}
	return q
}
