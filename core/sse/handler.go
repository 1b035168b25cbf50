package sse

import (
	"github.com/searchktools/exot/core"
	"github.com/searchktools/exot/core/http"
	"github.com/searchktools/exot/core/pubsub"
)

// Handler streams the topics chosen by topics to the client, e.g.
//
//	e.GET("/events/:room", sse.Handler(e.PubSub, func(ctx *http.Context) []string {
//		return []string{"room:" + ctx.Param("room")}
//	}, sse.Options{}))
//
// The response ends when the client goes away or nil is published to one
// of the topics.
func Handler(ps *pubsub.PubSub, topics func(ctx *http.Context) []string, opts Options) core.HandlerFunc {
	return func(ctx *http.Context) (any, error) {
		s, err := Subscribe(ctx.Context(), ps, opts, topics(ctx)...)
		if err != nil {
			return nil, http.NewError(400, err.Error())
		}
		ctx.SetHeader("Content-Type", "text/event-stream")
		ctx.SetHeader("Cache-Control", "no-cache")
		ctx.SetHeader("Connection", "keep-alive")
		ctx.SetHeader("X-Accel-Buffering", "no")
		return s, nil
	}
}
