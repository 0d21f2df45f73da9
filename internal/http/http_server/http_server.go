package http_server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"time"

	"grouprelay/internal/http/historyhandler"
	"grouprelay/internal/services/history"
	"grouprelay/internal/ws"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/abrar71/swaggerfilesv2" // swagger embed files
)

// HealthCheck reports whether one backend is reachable.
type HealthCheck func(ctx context.Context) error

type Options struct {
	ListenPort     uint16
	AllowedOrigins []string
	AllowAnyOrigin bool
	HealthChecks   map[string]HealthCheck
}

type httpServer struct {
	opts           Options
	srv            http.Server
	ln             net.Listener
	historyService history.IHistoryService
	wsSrv          *ws.WsServer
	ctx            context.Context
}

func NewHttpServer(ctx context.Context, opts Options, wsSrv *ws.WsServer, historyService history.IHistoryService) *httpServer {
	return &httpServer{
		opts:           opts,
		wsSrv:          wsSrv,
		historyService: historyService,
		ctx:            ctx,
	}
}

// Handler builds the gin engine with every route mounted.
func (h *httpServer) Handler() http.Handler {
	routerEngine := gin.New()
	routerEngine.Use(ginzap.RecoveryWithZap(zap.L(), true))

	// Swagger UI and API specs
	routerEngine.StaticFS("/swagger-apis", http.FS(swaggerfilesv2.FS))
	routerEngine.Static("/api-specs", "api_specs")

	routerEngine.GET("/healthz", h.health)

	// websocket endpoint
	routerEngine.GET("/ws", h.wsSrv.Handle)

	// REST API
	api := routerEngine.Group("", h.cors())
	api.OPTIONS("/*path", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	historyhandler.New(h.historyService).Register(api)

	return routerEngine
}

// Start blocks serving until Dispose is called.
func (h *httpServer) Start() error {
	var err error
	listenAddr := fmt.Sprintf(":%d", h.opts.ListenPort)
	h.ln, err = net.Listen("tcp", listenAddr)
	if err != nil {
		return err
	}

	h.srv = http.Server{
		Handler:           h.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	zap.L().Info("http.listen", zap.String("addr", listenAddr))

	if err := h.srv.Serve(h.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Dispose gracefully shuts the HTTP server down.
// It waits up to 10 s for in‑flight requests to finish. Shutdown does not
// track hijacked websocket connections, so those are closed through the
// websocket server afterwards.
func (h *httpServer) Dispose() error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(h.ctx), 10*time.Second)
	defer cancel()

	err := h.srv.Shutdown(ctx)
	h.wsSrv.Shutdown()
	if err != nil {
		zap.L().Error("http.dispose", zap.Error(err))
		return err
	}
	return nil
}

// @Summary		Health check
// @Description	Pings every backend the relay depends on.
// @Tags			Ops
// @Success		200	{object}	map[string]string
// @Failure		503	{object}	map[string]string
// @Router			/healthz [get]
func (h *httpServer) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status, out := http.StatusOK, gin.H{}
	for name, check := range h.opts.HealthChecks {
		if err := check(ctx); err != nil {
			zap.L().Warn("http.health", zap.String("backend", name), zap.Error(err))
			status = http.StatusServiceUnavailable
			out[name] = "down"
			continue
		}
		out[name] = "ok"
	}
	c.JSON(status, out)
}

func (h *httpServer) cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		switch {
		case origin == "":
		case h.opts.AllowAnyOrigin:
			c.Header("Access-Control-Allow-Origin", "*")
		case slices.Contains(h.opts.AllowedOrigins, origin):
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
		}
		c.Header("Access-Control-Allow-Methods", "GET, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
