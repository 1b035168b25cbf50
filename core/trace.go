package core

import (
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/searchktools/exot/core/http"
)

// DefaultTraceWarn is the span duration above which PrintTraces warns.
const DefaultTraceWarn = 200 * time.Millisecond

// PrintTraces returns a trace handler logging each request with its span
// tree. Failed spans log at error level, slow ones at warn level.
func PrintTraces(log *zap.Logger, warnAfter time.Duration) TraceHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return func(ctx *http.Context) (any, error) {
		res := ctx.Set()
		status := res.Status
		if status == 0 {
			status = 200
		}
		log.Info(ctx.Method()+" "+ctx.Path(),
			zap.Int("status", status),
			zap.String("content_type", res.Headers.Get("Content-Type")),
			zap.Duration("total", ctx.TotalTime()))
		logSpans(log, ctx.Traces(), 1, warnAfter)
		return nil, nil
	}
}

func logSpans(log *zap.Logger, spans []*http.Trace, depth int, warnAfter time.Duration) {
	indent := strings.Repeat("  ", depth)
	for _, t := range spans {
		fields := []zap.Field{zap.Duration("elapsed", t.Elapsed)}
		if t.Desc != "" {
			fields = append(fields, zap.String("desc", t.Desc))
		}
		switch {
		case t.Error != nil:
			log.Error(indent+t.Name, append(fields, zap.Error(t.Error))...)
		case warnAfter > 0 && t.Elapsed > warnAfter:
			log.Warn(indent+t.Name, fields...)
		default:
			log.Info(indent+t.Name, fields...)
		}
		logSpans(log, t.Traces, depth+1, warnAfter)
	}
}
