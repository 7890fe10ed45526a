package mirai

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

const testSessionKey = "SESSION-1"

// fakeGateway is an httptest server speaking the gateway protocol. Each
// endpoint is served by a replaceable handler and every call is recorded.
type fakeGateway struct {
	server *httptest.Server

	mu       sync.Mutex
	calls    []string
	handlers map[string]http.HandlerFunc
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	g := &fakeGateway{handlers: map[string]http.HandlerFunc{}}
	g.handle("auth", jsonReply(map[string]any{"code": 0, "session": testSessionKey}))
	g.handle("verify", jsonReply(map[string]any{"code": 0, "msg": "success"}))
	g.handle("release", jsonReply(map[string]any{"code": 0, "msg": "success"}))
	g.server = httptest.NewServer(http.HandlerFunc(g.serve))
	t.Cleanup(g.server.Close)
	return g
}

func (g *fakeGateway) serve(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/")
	g.mu.Lock()
	g.calls = append(g.calls, name)
	h := g.handlers[name]
	g.mu.Unlock()

	if h == nil {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprintf(w, "no handler for %s", name)
		return
	}
	h(w, r)
}

func (g *fakeGateway) handle(endpoint string, h http.HandlerFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handlers[endpoint] = h
}

func (g *fakeGateway) callLog() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.calls...)
}

func (g *fakeGateway) callsTo(endpoint string) int {
	n := 0
	for _, c := range g.callLog() {
		if c == endpoint {
			n++
		}
	}
	return n
}

func (g *fakeGateway) resetCalls() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = nil
}

func (g *fakeGateway) config(t *testing.T) Config {
	t.Helper()
	u, err := url.Parse(g.server.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return Config{
		Host:       host,
		Port:       port,
		AuthKey:    "INITKEYabcdef",
		QQ:         10001,
		HTTPClient: g.server.Client(),
	}
}

// connect opens a session against g and releases it when the test ends.
func (g *fakeGateway) connect(t *testing.T) *Session {
	t.Helper()
	s, err := Open(context.Background(), g.config(t))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func jsonReply(v any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(v)
	}
}

func rawReply(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, body)
	}
}

func decodeBody(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		t.Errorf("decode request body: %v", err)
	}
	return body
}
