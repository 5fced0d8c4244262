// Package pagination reads paging parameters from requests and writes
// paged responses.
package pagination

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100

	// TotalHeader carries the unpaged row count for list endpoints that
	// return a bare JSON array.
	TotalHeader = "X-Total-Count"
)

// Params holds pagination parameters extracted from a request.
type Params struct {
	Limit  int
	Offset int
}

// FromContext reads limit/offset or page/size (zero-based page) from the
// query string. limit/offset wins when both are present.
func FromContext(c echo.Context) Params {
	limit := queryInt(c, "limit")
	if limit <= 0 {
		limit = queryInt(c, "size")
	}
	switch {
	case limit <= 0:
		limit = DefaultLimit
	case limit > MaxLimit:
		limit = MaxLimit
	}

	offset := queryInt(c, "offset")
	if offset <= 0 {
		offset = 0
		if page := queryInt(c, "page"); page > 0 {
			offset = page * limit
		}
	}
	return Params{Limit: limit, Offset: offset}
}

func queryInt(c echo.Context, name string) int {
	n, _ := strconv.Atoi(c.QueryParam(name))
	return n
}

// Page is the envelope for paged child collections.
type Page[T any] struct {
	Data    []T  `json:"data"`
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"hasMore"`
}

func NewPage[T any](items []T, total int, p Params) Page[T] {
	if items == nil {
		items = []T{}
	}
	return Page[T]{
		Data:    items,
		Total:   total,
		Limit:   p.Limit,
		Offset:  p.Offset,
		HasMore: p.Offset+len(items) < total,
	}
}

// WriteList responds 200 with items as a JSON array and the total in
// TotalHeader.
func WriteList[T any](c echo.Context, items []T, total int) error {
	if items == nil {
		items = []T{}
	}
	c.Response().Header().Set(TotalHeader, strconv.Itoa(total))
	return c.JSON(http.StatusOK, items)
}
