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

// Params is a page window over a filtered list.
type Params struct {
	Limit  int
	Offset int
}

// FromContext reads ?limit= and ?offset=, clamping limit to MaxLimit.
func FromContext(c echo.Context) Params {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	switch {
	case limit <= 0:
		limit = DefaultLimit
	case limit > MaxLimit:
		limit = MaxLimit
	}
	offset, _ := strconv.Atoi(c.QueryParam("offset"))
	if offset < 0 {
		offset = 0
	}
	return Params{Limit: limit, Offset: offset}
}

func (p Params) HasNext(total int) bool { return p.Offset+p.Limit < total }

func (p Params) HasPrevious() bool { return p.Offset > 0 }

func (p Params) NextOffset() int { return p.Offset + p.Limit }

// PreviousOffset never goes below zero.
func (p Params) PreviousOffset() int {
	return max(p.Offset-p.Limit, 0)
}

// Link is one navigation link.
type Link struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

// Links builds self/next/previous links for basePath. Filters in query are
// carried over so following "next" keeps listing the same claims or payments.
func (p Params) Links(basePath string, query url.Values, total int) []Link {
	link := func(rel string, offset int) Link {
		q := url.Values{}
		for k, v := range query {
			if k != "limit" && k != "offset" {
				q[k] = v
			}
		}
		q.Set("limit", strconv.Itoa(p.Limit))
		q.Set("offset", strconv.Itoa(offset))
		return Link{Relation: rel, URL: basePath + "?" + q.Encode()}
	}

	links := []Link{link("self", p.Offset)}
	if p.HasNext(total) {
		links = append(links, link("next", p.NextOffset()))
	}
	if p.HasPrevious() {
		links = append(links, link("previous", p.PreviousOffset()))
	}
	return links
}

// Response wraps one page of a list endpoint.
type Response struct {
	Data    interface{} `json:"data"`
	Total   int         `json:"total"`
	Limit   int         `json:"limit"`
	Offset  int         `json:"offset"`
	HasMore bool        `json:"has_more"`
	Links   []Link      `json:"links,omitempty"`
}

func NewResponse(data interface{}, total, limit, offset int) *Response {
	return &Response{
		Data:    data,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		HasMore: offset+limit < total,
	}
}

// WithLinks attaches navigation links built from the request URL.
func (r *Response) WithLinks(u *url.URL) *Response {
	r.Links = Params{Limit: r.Limit, Offset: r.Offset}.Links(u.Path, u.Query(), r.Total)
	return r
}
