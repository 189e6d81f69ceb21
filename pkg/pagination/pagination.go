package pagination

import (
	"net/url"
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Params is the window of a list request. _count/_offset take precedence
// over limit/offset.
type Params struct {
	Limit  int
	Offset int
}

func FromContext(c echo.Context) Params {
	return Parse(c.QueryParams())
}

func Parse(q url.Values) Params {
	limit := firstPositive(q, "_count", "limit")
	switch {
	case limit == 0:
		limit = DefaultLimit
	case limit > MaxLimit:
		limit = MaxLimit
	}
	return Params{Limit: limit, Offset: firstPositive(q, "_offset", "offset")}
}

func firstPositive(q url.Values, keys ...string) int {
	for _, k := range keys {
		if n, err := strconv.Atoi(q.Get(k)); err == nil && n > 0 {
			return n
		}
	}
	return 0
}

// Response wraps a paginated API response.
type Response struct {
	Data    interface{} `json:"data"`
	Total   int         `json:"total"`
	Limit   int         `json:"limit"`
	Offset  int         `json:"offset"`
	HasMore bool        `json:"has_more"`
	Links   []Link      `json:"links,omitempty"`
}

type Link struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

func NewResponse(data interface{}, total, limit, offset int) *Response {
	p := Params{Limit: limit, Offset: offset}
	return &Response{Data: data, Total: total, Limit: limit, Offset: offset, HasMore: p.HasNext(total)}
}

// Page builds the response for one page of a list served at u, with links
// that keep u's filters.
func (p Params) Page(data interface{}, total int, u *url.URL) *Response {
	r := NewResponse(data, total, p.Limit, p.Offset)
	r.Links = p.Links(u.Path, u.Query(), total)
	return r
}

func (p Params) HasNext(total int) bool { return p.Offset+p.Limit < total }

func (p Params) HasPrevious() bool { return p.Offset > 0 }

func (p Params) NextOffset() int { return p.Offset + p.Limit }

func (p Params) PreviousOffset() int {
	if p.Offset <= p.Limit {
		return 0
	}
	return p.Offset - p.Limit
}

var pagingKeys = map[string]bool{"_count": true, "limit": true, "_offset": true, "offset": true}

// Links returns self, next and previous links for basePath. Paging keys in
// filters are replaced by _offset/_count.
func (p Params) Links(basePath string, filters url.Values, total int) []Link {
	q := url.Values{}
	for k, v := range filters {
		if !pagingKeys[k] {
			q[k] = v
		}
	}
	q.Set("_count", strconv.Itoa(p.Limit))
	at := func(rel string, offset int) Link {
		q.Set("_offset", strconv.Itoa(offset))
		return Link{Relation: rel, URL: basePath + "?" + q.Encode()}
	}

	links := []Link{at("self", p.Offset)}
	if p.HasNext(total) {
		links = append(links, at("next", p.NextOffset()))
	}
	if p.HasPrevious() {
		links = append(links, at("previous", p.PreviousOffset()))
	}
	return links
}
