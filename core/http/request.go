package http

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	nethttp "net/http"
	"net/url"
	"sync"
)

// DefaultMaxBodySize bounds buffered body reads.
const DefaultMaxBodySize = 10 << 20

var ErrBodyConsumed = errors.New("http: request body already consumed as a stream")

// Request wraps an inbound request. Body reads are buffered once and every
// later read returns the cached bytes.
type Request struct {
	*nethttp.Request

	MaxBodySize int64

	once     sync.Once
	body     []byte
	err      error
	streamed bool
	form     url.Values
}

// NewRequest wraps r.
func NewRequest(r *nethttp.Request) *Request {
	return &Request{Request: r, MaxBodySize: DefaultMaxBodySize}
}

// Bytes returns the whole body.
func (r *Request) Bytes() ([]byte, error) {
	if r.streamed {
		return nil, ErrBodyConsumed
	}
	r.once.Do(func() {
		if r.Body == nil || r.Body == nethttp.NoBody {
			return
		}
		limit := r.MaxBodySize
		if limit <= 0 {
			limit = DefaultMaxBodySize
		}
		r.body, r.err = io.ReadAll(io.LimitReader(r.Body, limit+1))
		if r.err == nil && int64(len(r.body)) > limit {
			r.body, r.err = nil, &BaseError{Message: "Payload too large", Code: nethttp.StatusRequestEntityTooLarge}
		}
		_ = r.Body.Close()
	})
	return r.body, r.err
}

// Text returns the body as a string.
func (r *Request) Text() (string, error) {
	b, err := r.Bytes()
	return string(b), err
}

// JSON decodes the body into v.
func (r *Request) JSON(v any) error {
	b, err := r.Bytes()
	if err != nil {
		return err
	}
	if len(b) == 0 {
		return &BaseError{Message: "Empty body", Code: nethttp.StatusBadRequest}
	}
	if err := json.Unmarshal(b, v); err != nil {
		return &BaseError{Message: "Invalid JSON: " + err.Error(), Code: nethttp.StatusBadRequest}
	}
	return nil
}

// Form parses an urlencoded or multipart body. Multipart file parts stay
// reachable through MultipartForm.
func (r *Request) Form() (url.Values, error) {
	if r.form != nil {
		return r.form, nil
	}
	b, err := r.Bytes()
	if err != nil {
		return nil, err
	}
	r.Request.Body = io.NopCloser(bytes.NewReader(b))
	if err := r.ParseMultipartForm(32 << 20); err != nil && !errors.Is(err, nethttp.ErrNotMultipart) {
		return nil, &BaseError{Message: "Invalid form data: " + err.Error(), Code: nethttp.StatusBadRequest}
	}
	r.form = r.PostForm
	if r.form == nil {
		r.form = url.Values{}
	}
	return r.form, nil
}

// Stream hands out the raw body once. It fails after a buffered read and
// on a second call.
func (r *Request) Stream() (io.ReadCloser, error) {
	if r.streamed {
		return nil, ErrBodyConsumed
	}
	consumed := false
	r.once.Do(func() { consumed = true })
	if !consumed {
		return nil, ErrBodyConsumed
	}
	r.streamed = true
	if r.Body == nil {
		return nethttp.NoBody, nil
	}
	return r.Body, nil
}
