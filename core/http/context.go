// Package http holds the per-request Context threaded through dispatch,
// the request wrapper it reads from and the HTTP error taxonomy.
package http

import (
	"context"
	"encoding/json"
	"io"
	"net"
	nethttp "net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/searchktools/exot/core/pubsub"
)

// Validator checks data and returns it, possibly coerced.
type Validator func(data any) (any, error)

// Response accumulates what will be written to the client.
type Response struct {
	Body    any
	Headers nethttp.Header
	Status  int
}

// ContextInit carries what the engine hands to a new Context.
type ContextInit struct {
	Writer     nethttp.ResponseWriter
	Request    *nethttp.Request
	Params     map[string]string
	PubSub     *pubsub.PubSub
	Store      map[string]any
	Decorators map[string]any
	Tracing    bool
}

// Context is the mutable state of one request. It is not shared between
// requests.
type Context struct {
	Params map[string]string
	Route  string
	Store  map[string]any
	PubSub *pubsub.PubSub

	BodySchema     Validator
	ResponseSchema Validator
	Tracing        bool

	req        *Request
	w          nethttp.ResponseWriter
	decorators map[string]any
	set        Response
	start      time.Time

	path        string
	querystring string
	query       url.Values
	validated   map[string]any

	terminated bool
	upgraded   bool
	destroyed  bool
	err        error

	traceMu      sync.Mutex
	traces       []*Trace
	currentTrace *Trace
}

// NewContext builds a context for one request.
func NewContext(init ContextInit) *Context {
	c := &Context{
		Params:     init.Params,
		Store:      init.Store,
		PubSub:     init.PubSub,
		Tracing:    init.Tracing,
		req:        NewRequest(init.Request),
		w:          init.Writer,
		decorators: init.Decorators,
		set:        Response{Headers: nethttp.Header{}},
		start:      time.Now(),
	}
	if c.Params == nil {
		c.Params = make(map[string]string)
	}
	if c.Store == nil {
		c.Store = make(map[string]any)
	}
	c.path, c.querystring = splitURL(init.Request)
	return c
}

func splitURL(r *nethttp.Request) (string, string) {
	if r.URL == nil {
		return "/", ""
	}
	path := r.URL.Path
	if path == "" {
		path = "/"
	}
	qs := ""
	if r.URL.RawQuery != "" {
		qs = "?" + r.URL.RawQuery
	}
	return path, qs
}

// Context returns the request's context.Context.
func (c *Context) Context() context.Context {
	return c.req.Context()
}

func (c *Context) Request() *Request                      { return c.req }
func (c *Context) ResponseWriter() nethttp.ResponseWriter { return c.w }
func (c *Context) Method() string                         { return c.req.Method }
func (c *Context) Path() string                           { return c.path }

// Querystring is the raw query including the leading '?', or "".
func (c *Context) Querystring() string { return c.querystring }

// Query parses the querystring on first use.
func (c *Context) Query() url.Values {
	if c.query == nil {
		c.query, _ = url.ParseQuery(strings.TrimPrefix(c.querystring, "?"))
		if c.query == nil {
			c.query = url.Values{}
		}
	}
	return c.query
}

// QueryMap flattens the query for validation: single values become
// strings, repeated keys stay slices.
func (c *Context) QueryMap() map[string]any {
	q := c.Query()
	m := make(map[string]any, len(q))
	for k, v := range q {
		if len(v) == 1 {
			m[k] = v[0]
		} else {
			m[k] = v
		}
	}
	return m
}

// ParamsMap exposes the params for validation.
func (c *Context) ParamsMap() map[string]any {
	m := make(map[string]any, len(c.Params))
	for k, v := range c.Params {
		m[k] = v
	}
	return m
}

func (c *Context) Param(key string) string       { return c.Params[key] }
func (c *Context) Header(key string) string      { return c.req.Header.Get(key) }
func (c *Context) Headers() nethttp.Header       { return c.req.Header }
func (c *Context) ContentType() string           { return c.req.Header.Get("Content-Type") }
func (c *Context) Host() string                  { return c.req.Host }
func (c *Context) StartTime() time.Time          { return c.start }
func (c *Context) Decorator(name string) any     { return c.decorators[name] }
func (c *Context) Set() *Response                { return &c.set }
func (c *Context) Terminated() bool              { return c.terminated }
func (c *Context) Upgraded() bool                { return c.upgraded }
func (c *Context) Destroyed() bool               { return c.destroyed }
func (c *Context) Validated(location string) any { return c.validated[location] }

// RemoteAddress is the peer address, or X-Forwarded-For when the peer is
// unknown.
func (c *Context) RemoteAddress() string {
	if addr := c.req.RemoteAddr; addr != "" {
		if host, _, err := net.SplitHostPort(addr); err == nil {
			return host
		}
		return addr
	}
	return strings.Join(c.req.Header.Values("X-Forwarded-For"), ",")
}

// End marks the request as answered; later stack entries are skipped.
func (c *Context) End() { c.terminated = true }

// MarkUpgraded tells the adapter the connection was hijacked and nothing
// must be written.
func (c *Context) MarkUpgraded() {
	c.upgraded = true
	c.terminated = true
}

// Err is the error being handled, set before error listeners run.
func (c *Context) Err() error { return c.err }

func (c *Context) SetError(err error) { c.err = err }

// SetValidated stores validated data for a location.
func (c *Context) SetValidated(location string, v any) {
	if c.validated == nil {
		c.validated = make(map[string]any, 2)
	}
	c.validated[location] = v
}

func (c *Context) Status(code int) *Context {
	c.set.Status = code
	return c
}

func (c *Context) SetHeader(key, value string) *Context {
	c.set.Headers.Set(key, value)
	return c
}

// JSON sets v as the JSON response body. It is validated against the
// response schema when one is attached.
func (c *Context) JSON(v any) error {
	return c.writeJSON(v, true)
}

// JSONUnchecked is JSON without response validation; error handlers use it.
func (c *Context) JSONUnchecked(v any) error {
	return c.writeJSON(v, false)
}

func (c *Context) writeJSON(v any, validate bool) error {
	if validate && c.ResponseSchema != nil {
		out, err := c.Trace(func() (any, error) { return c.ResponseSchema(v) }, "@validate:response", "")
		if err != nil {
			return err
		}
		v = out
	}
	var data []byte
	var err error
	if m, ok := v.(proto.Message); ok {
		data, err = protojson.Marshal(m)
	} else {
		data, err = json.Marshal(v)
	}
	if err != nil {
		return err
	}
	c.defaultContentType("application/json")
	c.set.Body = data
	return nil
}

// Text sets a text/plain body.
func (c *Context) Text(s string) {
	c.defaultContentType("text/plain; charset=utf-8")
	c.set.Body = s
}

func (c *Context) defaultContentType(ct string) {
	if c.set.Headers.Get("Content-Type") == "" {
		c.set.Headers.Set("Content-Type", ct)
	}
}

// Stream sets a streamed body; the adapter copies it to the client.
func (c *Context) Stream(r io.Reader) {
	c.set.Body = r
}

// ReadBytes returns the raw request body.
func (c *Context) ReadBytes() ([]byte, error) {
	return c.req.Bytes()
}

// ReadText returns the body as text, validated against the body schema.
func (c *Context) ReadText() (string, error) {
	s, err := c.req.Text()
	if err != nil {
		return "", err
	}
	out, err := c.validateBody(s)
	if err != nil {
		return "", err
	}
	if str, ok := out.(string); ok {
		return str, nil
	}
	return s, nil
}

// ReadJSON decodes the body into v and validates v against the body
// schema.
func (c *Context) ReadJSON(v any) error {
	if err := c.req.JSON(v); err != nil {
		return err
	}
	_, err := c.validateBody(v)
	return err
}

// Body decodes a JSON body into a generic value and returns it after
// validation, coerced where the schema says so.
func (c *Context) Body() (any, error) {
	var v any
	if err := c.req.JSON(&v); err != nil {
		return nil, err
	}
	return c.validateBody(v)
}

// ReadStream hands out the unbuffered body once.
func (c *Context) ReadStream() (io.ReadCloser, error) {
	return c.req.Stream()
}

// FormData parses an urlencoded or multipart body.
func (c *Context) FormData() (url.Values, error) {
	return c.req.Form()
}

func (c *Context) Cookie(name string) (*nethttp.Cookie, error) {
	return c.req.Cookie(name)
}

// SetCookie appends a Set-Cookie header to the response.
func (c *Context) SetCookie(cookie *nethttp.Cookie) {
	if v := cookie.String(); v != "" {
		c.set.Headers.Add("Set-Cookie", v)
	}
}

func (c *Context) validateBody(v any) (any, error) {
	if c.BodySchema == nil {
		return v, nil
	}
	out, err := c.Trace(func() (any, error) { return c.BodySchema(v) }, "@validate:body", "")
	if err != nil {
		return nil, err
	}
	c.SetValidated(LocationBody, out)
	return out, nil
}

// Destroy clears the per-request caches. A destroyed context must not be
// reused.
func (c *Context) Destroy() {
	c.destroyed = true
	c.BodySchema = nil
	c.ResponseSchema = nil
	c.Route = ""
	c.query = nil
	c.validated = nil
	c.traceMu.Lock()
	c.currentTrace = nil
	c.traceMu.Unlock()
}
