package middleware

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/searchktools/exot/core"
	"github.com/searchktools/exot/core/chain"
	"github.com/searchktools/exot/core/http"
)

// Logger writes one access log line per request, at warn level for 4xx
// and error level for 5xx.
func Logger(log *zap.Logger) *core.Engine {
	if log == nil {
		log = zap.NewNop()
	}
	write := func(ctx *http.Context, status int) {
		fields := []zap.Field{
			zap.String("method", ctx.Method()),
			zap.String("path", ctx.Path()),
			zap.String("route", ctx.Route),
			zap.Int("status", status),
			zap.Duration("elapsed", time.Since(ctx.StartTime())),
			zap.String("remote", ctx.RemoteAddress()),
		}
		if id, ok := ctx.Store[RequestIDKey].(string); ok {
			fields = append(fields, zap.String("request_id", id))
		}
		switch {
		case status >= 500:
			log.Error("request", append(fields, zap.Error(ctx.Err()))...)
		case status >= 400:
			log.Warn("request", fields...)
		default:
			log.Info("request", fields...)
		}
	}

	return plugin("middleware/logger", func(root *core.Engine) {
		root.OnResponse(func(ctx *http.Context) (any, error) {
			status := ctx.Set().Status
			if status == 0 {
				status = 200
			}
			write(ctx, status)
			return nil, nil
		})
		root.OnErrorEvent(func(ctx *http.Context) (any, error) {
			write(ctx, http.StatusCode(ctx.Err()))
			return nil, nil
		})
	})
}

// Recovery logs recovered panics with their stack. The panic itself is
// already turned into a 500 by the engine.
func Recovery(log *zap.Logger) *core.Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return plugin("middleware/recovery", func(root *core.Engine) {
		root.OnErrorEvent(func(ctx *http.Context) (any, error) {
			var pe *chain.PanicError
			if errors.As(ctx.Err(), &pe) {
				log.Error("panic recovered",
					zap.String("method", ctx.Method()),
					zap.String("path", ctx.Path()),
					zap.Any("value", pe.Value),
					zap.ByteString("stack", pe.Stack))
			}
			return nil, nil
		})
	})
}
