package middleware

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/searchktools/exot/core"
	"github.com/searchktools/exot/core/http"
)

var nonWord = regexp.MustCompile(`\W`)

// ServerTiming appends a Server-Timing entry per trace span to every
// response. Internal spans (named "@...") are skipped unless
// includeInternal is set. Spans exist only on engines with Tracing on.
func ServerTiming(includeInternal bool) *core.Engine {
	return plugin("middleware/server-timing", func(root *core.Engine) {
		root.OnResponse(func(ctx *http.Context) (any, error) {
			h := ctx.Set().Headers
			var walk func(spans []*http.Trace)
			walk = func(spans []*http.Trace) {
				for _, t := range spans {
					internal := strings.HasPrefix(t.Name, "@")
					if includeInternal || !internal {
						h.Add("Server-Timing", timingEntry(t, internal))
					}
					walk(t.Traces)
				}
			}
			walk(ctx.Traces())
			return nil, nil
		})
	})
}

func timingEntry(t *http.Trace, internal bool) string {
	name := t.Name
	if internal {
		name = nonWord.ReplaceAllString(name, "_")
	}
	var b strings.Builder
	b.WriteString(name)
	if t.Desc != "" {
		fmt.Fprintf(&b, ";desc=%q", t.Desc)
	}
	fmt.Fprintf(&b, ";dur=%.3f", float64(t.Elapsed)/float64(time.Millisecond))
	return b.String()
}
