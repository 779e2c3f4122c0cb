package service

import (
	"context"
	"strconv"
	"strings"

	"github.com/bandhu-workshop/db-workshop/internal/cache"
	dom "github.com/bandhu-workshop/db-workshop/internal/domain"
	"github.com/bandhu-workshop/db-workshop/internal/repo"
)

// ListParams is a validated page request. PageSize 0 means "use the default".
type ListParams struct {
	Query          string
	Page           int
	PageSize       int
	Completed      *bool
	IncludeDeleted bool
}

// List returns one page of tasks plus the total count under the same filter.
// The repo computes both inside a single snapshot, so the total never
// contradicts the items within one read. Tombstoned tasks are excluded
// unless IncludeDeleted is set; an empty query matches everything.
func (s *TaskService) List(ctx context.Context, p ListParams) ([]dom.Task, int64, error) {
	if p.Page < 1 {
		return nil, 0, ErrInvalidPage
	}
	if p.PageSize == 0 {
		p.PageSize = s.defaultPageSize
	}
	if p.PageSize < 1 || p.PageSize > s.maxPageSize {
		return nil, 0, ErrInvalidPageSize
	}
	p.Query = strings.TrimSpace(p.Query)

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rp := repo.ListParams{
		Query:          p.Query,
		Completed:      p.Completed,
		IncludeDeleted: p.IncludeDeleted,
		Limit:          p.PageSize,
		Offset:         (p.Page - 1) * p.PageSize,
	}

	if s.cache == nil {
		items, total, err := s.repo.List(ctx, rp)
		if err != nil {
			return nil, 0, storageErr(err)
		}
		return items, total, nil
	}

	key := listCacheKey(p)
	v, err, _ := s.sf.Do(key, func() (interface{}, error) {
		if pg, err := s.cache.GetPage(ctx, key); err == nil && pg != nil {
			return *pg, nil
		}
		items, total, err := s.repo.List(ctx, rp)
		if err != nil {
			return nil, storageErr(err)
		}
		pg := cache.Page{Items: items, Total: total}
		_ = s.cache.SetPage(ctx, key, pg)
		return pg, nil
	})
	if err != nil {
		return nil, 0, err
	}
	pg := v.(cache.Page)
	return pg.Items, pg.Total, nil
}

func boolKey(b *bool) string {
	if b == nil {
		return "any"
	}
	return strconv.FormatBool(*b)
}

func listCacheKey(p ListParams) string {
	return strings.Join([]string{
		strings.ToLower(p.Query),
		strconv.Itoa(p.Page),
		strconv.Itoa(p.PageSize),
		boolKey(p.Completed),
		strconv.FormatBool(p.IncludeDeleted),
	}, ":")
}
