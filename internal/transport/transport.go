// Package transport carries requests to the remote chat API and classifies
// failures into the errs taxonomy.
package transport

import (
	"context"
	"maps"
	"net/url"
	"time"
)

// Request is one call to the remote API.
type Request struct {
	Method  string
	Path    string
	Query   url.Values
	Body    any
	Headers map[string]string
	// Timeout overrides the transport default when positive.
	Timeout time.Duration
}

// Clone returns a copy whose headers can be changed independently.
func (r *Request) Clone() *Request {
	cp := *r
	cp.Headers = maps.Clone(r.Headers)
	if cp.Headers == nil {
		cp.Headers = map[string]string{}
	}
	if r.Query != nil {
		cp.Query = maps.Clone(r.Query)
	}
	return &cp
}

// Response is the raw result of a successful call. Body holds the complete
// response envelope.
type Response struct {
	Status int
	Body   []byte
}

// Doer executes requests. Implementations return errors matching
// errs.ErrNetwork, errs.ErrAuthExpired or *errs.BizError.
type Doer interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

// DoerFunc adapts a function to Doer.
type DoerFunc func(ctx context.Context, req *Request) (*Response, error)

func (f DoerFunc) Do(ctx context.Context, req *Request) (*Response, error) { return f(ctx, req) }
