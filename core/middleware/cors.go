package middleware

import (
	nethttp "net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/searchktools/exot/core"
	"github.com/searchktools/exot/core/http"
)

// CORSOptions configure CORS. A nil list means "*".
type CORSOptions struct {
	AllowedHeaders []string
	ExposedHeaders []string
	Methods        []string
	// Origins lists the allowed origins. Nil reflects the request's Origin;
	// []string{"*"} answers with a literal "*".
	Origins     []string
	Credentials bool
	// MaxAge of preflight results in seconds; 0 means 600 and a negative
	// value omits the header.
	MaxAge int
	// DisablePreflight lets OPTIONS requests through to the routes.
	DisablePreflight bool
}

// CORS answers preflight requests with 204 and decorates every request
// carrying an Origin header with the access-control headers.
func CORS(opts CORSOptions) *core.Engine {
	maxAge := opts.MaxAge
	if maxAge == 0 {
		maxAge = 600
	}
	methods := joinOrStar(opts.Methods)
	allowed := joinOrStar(opts.AllowedHeaders)
	exposed := joinOrStar(opts.ExposedHeaders)

	e := core.New(core.Options{Name: "middleware/cors"})
	e.Use(func(ctx *http.Context) (any, error) {
		origin := ctx.Header("Origin")
		if origin == "" {
			return nil, nil
		}
		h := ctx.Set().Headers
		switch {
		case opts.Origins == nil:
			h.Set("Vary", "Origin")
			h.Set("Access-Control-Allow-Origin", origin)
		case slices.Contains(opts.Origins, "*"):
			h.Set("Vary", "*")
			h.Set("Access-Control-Allow-Origin", "*")
		case slices.Contains(opts.Origins, origin):
			h.Set("Vary", "Origin")
			h.Set("Access-Control-Allow-Origin", origin)
		}
		h.Set("Access-Control-Allow-Methods", methods)
		h.Set("Access-Control-Allow-Headers", allowed)
		if opts.Credentials {
			h.Set("Access-Control-Allow-Credentials", "true")
		}

		if ctx.Method() != nethttp.MethodOptions {
			h.Set("Access-Control-Expose-Headers", exposed)
			return nil, nil
		}
		if opts.DisablePreflight {
			return nil, nil
		}
		ctx.Status(nethttp.StatusNoContent)
		if maxAge > 0 {
			h.Set("Access-Control-Max-Age", strconv.Itoa(maxAge))
		}
		return "", nil
	})
	return e
}

func joinOrStar(values []string) string {
	if len(values) == 0 {
		return "*"
	}
	return strings.Join(values, ", ")
}
