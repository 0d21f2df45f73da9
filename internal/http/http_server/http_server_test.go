package http_server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"grouprelay/internal/message"
	"grouprelay/internal/services/history"
	"grouprelay/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type emptyHistory struct{}

func (emptyHistory) ListMessages(context.Context, string) ([]history.Entry, error) { return nil, nil }

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, *message.Message) error { return nil }

type nopPersister struct{}

func (nopPersister) Submit(_ *message.Message, done func(error)) { done(nil) }

func newServer(opts Options) http.Handler {
	gin.SetMode(gin.TestMode)
	wsSrv := ws.NewWsServer(ws.NewHub(), nopPublisher{}, nopPersister{}, ws.Options{})
	return NewHttpServer(context.Background(), opts, wsSrv, emptyHistory{}).Handler()
}

func TestHealth(t *testing.T) {
	ok := func(context.Context) error { return nil }
	down := func(context.Context) error { return errors.New("refused") }

	h := newServer(Options{HealthChecks: map[string]HealthCheck{"redis": ok, "postgres": ok}})
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"redis":"ok","postgres":"ok"}`, w.Body.String())

	h = newServer(Options{HealthChecks: map[string]HealthCheck{"redis": ok, "postgres": down}})
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.JSONEq(t, `{"redis":"ok","postgres":"down"}`, w.Body.String())
}

func TestHistoryRouteMounted(t *testing.T) {
	h := newServer(Options{})

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/rooms/g1/messages", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"messages":[]}`, w.Body.String())
}

func TestCORS(t *testing.T) {
	h := newServer(Options{AllowedOrigins: []string{"https://app.example"}})

	req := httptest.NewRequest(http.MethodGet, "/api/message?id=g1", nil)
	req.Header.Set("Origin", "https://app.example")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "https://app.example", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/api/message?id=g1", nil)
	req.Header.Set("Origin", "https://evil.example")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/api/message", nil)
	req.Header.Set("Origin", "https://app.example")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestWebsocketRequiresUser(t *testing.T) {
	h := newServer(Options{})
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
