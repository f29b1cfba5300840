package pagination

import (
	"math"
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Params holds page-number pagination parameters. Page is 1-based.
type Params struct {
	Page     int `json:"page_number"`
	PageSize int `json:"page_size"`
}

// Normalize applies defaults and bounds: a page below 1 becomes 1, a
// non-positive size becomes defaultSize and any size above maxSize is clamped.
// The page is capped so that Offset never overflows; such a page is empty.
func (p Params) Normalize(defaultSize, maxSize int) Params {
	if defaultSize <= 0 {
		defaultSize = DefaultPageSize
	}
	if maxSize <= 0 {
		maxSize = MaxPageSize
	}
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PageSize <= 0 {
		p.PageSize = defaultSize
	}
	if p.PageSize > maxSize {
		p.PageSize = maxSize
	}
	if last := math.MaxInt/p.PageSize - 1; p.Page > last {
		p.Page = last
	}
	return p
}

// Limit is the number of rows to fetch.
func (p Params) Limit() int { return p.PageSize }

// Offset is the number of rows to skip: (page-1) * size.
func (p Params) Offset() int { return (p.Page - 1) * p.PageSize }

// HasNext returns true if there are more results after the current page.
func (p Params) HasNext(total int) bool {
	return p.Offset()+p.PageSize < total
}

// QueryParams reads page_number and page_size from the query string as given.
// Missing or malformed values are zero and are replaced by Normalize.
func QueryParams(c echo.Context) Params {
	page, _ := strconv.Atoi(c.QueryParam("page_number"))
	size, _ := strconv.Atoi(c.QueryParam("page_size"))
	return Params{Page: page, PageSize: size}
}

// Response wraps a paginated API response.
type Response struct {
	Items      interface{} `json:"items"`
	Total      int         `json:"total"`
	PageNumber int         `json:"page_number"`
	PageSize   int         `json:"page_size"`
	HasMore    bool        `json:"has_more"`
}

func NewResponse(items interface{}, total int, p Params) *Response {
	return &Response{
		Items:      items,
		Total:      total,
		PageNumber: p.Page,
		PageSize:   p.PageSize,
		HasMore:    p.HasNext(total),
	}
}
