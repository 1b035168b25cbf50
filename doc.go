/*
Package exot is a composable HTTP and WebSocket framework for Go.

An application is a tree of engines. Each engine keeps an ordered stack of
middleware, routes and mounted sub-engines; the stack is composed once,
on first use, into one handler chain per route. Handlers may return
synchronously or hand back a promise; the dispatcher only waits when one
does.

Features

  - Trie router with a static fast path, params, wildcards and per-layer
    first-match-wins semantics
  - Schema validation of params, query, body and response, with coercion
  - Lifecycle events (request, route, response, error, start) and
    per-request traces with Server-Timing output
  - WebSocket routes with topic pub/sub shared by the whole engine tree
  - net/http adapter with HTTP/2 over TLS, h2c and SO_REUSEPORT
  - CORS, rate limiting, request IDs, access logs and Prometheus metrics as
    plugins

Quick Start

	package main

	import (
	    "context"
	    "log"

	    "github.com/searchktools/exot/app"
	    "github.com/searchktools/exot/config"
	    "github.com/searchktools/exot/core/http"
	)

	func main() {
	    application, err := app.New(config.New())
	    if err != nil {
	        log.Fatal(err)
	    }

	    engine := application.Engine()
	    engine.GET("/hello/:name", func(ctx *http.Context) any {
	        return "Hello, " + ctx.Param("name")
	    })
	    engine.GET("/json", func(*http.Context) any {
	        return map[string]string{"status": "running"}
	    })

	    if err := application.Run(context.Background()); err != nil {
	        log.Fatal(err)
	    }
	}

Modules

  - app: process lifecycle, logger and graceful shutdown
  - config: defaults, YAML, .env, EXOT_* environment and flags
  - core: engine, composition and dispatch
  - core/chain: sync/async handler chains
  - core/router: trie router
  - core/http: request context, errors and traces
  - core/validation: schema compilation
  - core/events: lifecycle event bus
  - core/pubsub: topic pub/sub
  - core/websocket: sockets and the upgrader
  - core/server: net/http adapter
  - core/middleware: CORS, rate limit, request ID, logging
  - core/observability: Prometheus metrics and the route monitor
*/
package exot
