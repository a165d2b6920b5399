package chat

import (
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// ManagementRoutes holds optional management API handlers registered
// alongside the chat route.
type ManagementRoutes struct {
	Metrics fasthttp.RequestHandler
}

// Handler builds the full fasthttp handler with routing and middleware.
// Split from Start so tests can exercise the stack without a listener.
func (g *Gateway) Handler(mgmt *ManagementRoutes) fasthttp.RequestHandler {
	r := router.New()

	r.POST("/api/chat", g.handleChat)
	r.GET("/health", g.handleHealth)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)
}

// Start starts the HTTP server on addr (e.g. ":8080").
func (g *Gateway) Start(addr string, mgmt *ManagementRoutes) error {
	srv := &fasthttp.Server{
		Handler:     g.Handler(mgmt),
		ReadTimeout: 60 * time.Second,
		// Streams can legitimately run for minutes; the per-call provider
		// timeout is the real bound, not the socket write timeout.
		WriteTimeout: 10 * time.Minute,
	}
	return srv.ListenAndServe(addr)
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(map[string]string{"status": "ok"})
	ctx.SetBody(body)
}
