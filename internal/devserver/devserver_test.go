package devserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/conneroisu/bundlr/internal/config"
	"github.com/conneroisu/bundlr/internal/graph"
	"github.com/conneroisu/bundlr/internal/hmr"
	"github.com/conneroisu/bundlr/internal/metrics"
	"github.com/conneroisu/bundlr/internal/session"
	"github.com/conneroisu/bundlr/internal/testutils"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var app = map[string]string{
	"/proj/src/index.ts": `import "./style.css";
import { widget } from "./widget";
document.body.textContent = widget();
`,
	"/proj/src/widget.ts": "export const widget = (): string => \"v1\";\nif (module.hot) module.hot.accept();\n",
	"/proj/src/style.css": "body { color: red; }\n",
}

type fixture struct {
	server *Server
	fs     afero.Fs
	http   *httptest.Server
	cfg    *config.Config
}

func newFixture(t *testing.T, files map[string]string, tweak ...func(*config.Config)) *fixture {
	t.Helper()
	fs := testutils.NewProject(t, files)
	cfg := testutils.NewConfig("/proj")
	for _, fn := range tweak {
		fn(cfg)
	}
	m := metrics.New()
	sess, err := session.New(session.Options{FS: fs, OutputFS: afero.NewMemMapFs(), Config: cfg, Metrics: m})
	require.NoError(t, err)
	s, err := New(Options{Config: cfg, Session: sess, Metrics: m})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		assert.NoError(t, s.Shutdown(shutdownCtx))
	})
	return &fixture{server: s, fs: fs, http: ts, cfg: cfg}
}

func (f *fixture) get(t *testing.T, path string, header ...string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, f.http.URL+path, nil)
	require.NoError(t, err)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := f.http.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func (f *fixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(f.http.URL, "http")+WebSocketPath, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func (f *fixture) change(t *testing.T, files map[string]string) {
	t.Helper()
	testutils.WriteFiles(t, f.fs, files)
	var changes []graph.Change
	for p := range files {
		changes = append(changes, graph.Change{Path: p})
	}
	require.NoError(t, f.server.Notify(context.Background(), changes...))
}

func read(t *testing.T, conn *websocket.Conn) hmr.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	typ, data, err := conn.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, websocket.MessageText, typ)
	var msg hmr.Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func send(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(frame)))
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
	_, err = New(Options{Config: testutils.NewConfig("/proj")})
	assert.Error(t, err)
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateIdle, hmr.StateIdle},
		{StateBuilding, hmr.StateBuilding},
		{StateReady, hmr.StateReady},
		{StateFailed, hmr.StateFailed},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.state.String())
	}
}

func TestServesBuildOutput(t *testing.T) {
	f := newFixture(t, app, func(cfg *config.Config) {
		cfg.Server.Headers = map[string]string{"X-Served-By": "bundlr"}
	})
	require.Equal(t, StateReady, f.server.Status().State)

	resp, page := f.get(t, "/")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "bundlr", resp.Header.Get("X-Served-By"))
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	assert.Contains(t, page, `<script src="`+ClientPath+`"></script>`)

	resp, body := f.get(t, "/manifest.json")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var m struct {
		Chunks map[string]struct {
			JS  string `json:"js"`
			CSS string `json:"css"`
		} `json:"chunks"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &m))
	index := m.Chunks["index"]
	require.NotEmpty(t, index.JS)
	assert.Contains(t, page, index.JS)

	resp, body = f.get(t, "/"+index.JS)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "javascript")
	assert.Contains(t, body, "v1")

	resp, body = f.get(t, "/"+index.CSS)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "color")

	resp, _ = f.get(t, "/missing.js")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = f.get(t, ClientPath)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(hmr.ClientScript), body)
}

func TestHistoryAPIFallback(t *testing.T) {
	t.Run("enabled", func(t *testing.T) {
		f := newFixture(t, app)
		resp, body := f.get(t, "/settings/profile", "Accept", "text/html")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, body, ClientPath)

		resp, _ = f.get(t, "/settings/profile", "Accept", "application/json")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("disabled", func(t *testing.T) {
		f := newFixture(t, app, func(cfg *config.Config) { cfg.Server.HistoryAPIFallback = false })
		resp, _ := f.get(t, "/settings/profile", "Accept", "text/html")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestPublicPath(t *testing.T) {
	f := newFixture(t, app, func(cfg *config.Config) { cfg.Output.PublicPath = "/static/" })
	resp, _ := f.get(t, "/static/manifest.json")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = f.get(t, "/manifest.json")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCORS(t *testing.T) {
	f := newFixture(t, app, func(cfg *config.Config) {
		cfg.Server.AllowedOrigins = []string{"http://localhost:3000"}
	})

	req, err := http.NewRequest(http.MethodOptions, f.http.URL+"/manifest.json", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err := f.http.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))

	resp, _ = f.get(t, "/manifest.json", "Origin", "http://evil.example")
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestCORSKeepsConfiguredHeaders(t *testing.T) {
	f := newFixture(t, app, func(cfg *config.Config) {
		cfg.Server.Headers = map[string]string{
			"Access-Control-Allow-Methods": "GET, POST, PUT, DELETE, PATCH, OPTIONS",
			"Access-Control-Allow-Headers": "X-Requested-With, content-type, Authorization",
		}
	})

	req, err := http.NewRequest(http.MethodOptions, f.http.URL+"/manifest.json", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err := f.http.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "GET, POST, PUT, DELETE, PATCH, OPTIONS", resp.Header.Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "X-Requested-With, content-type, Authorization", resp.Header.Get("Access-Control-Allow-Headers"))

	t.Run("defaults without configuration", func(t *testing.T) {
		f := newFixture(t, app)
		resp, _ := f.get(t, "/manifest.json", "Origin", "http://localhost:3000")
		assert.Equal(t, "GET, HEAD, OPTIONS", resp.Header.Get("Access-Control-Allow-Methods"))
		assert.Equal(t, "Content-Type", resp.Header.Get("Access-Control-Allow-Headers"))
	})
}

func TestStatusEndpoint(t *testing.T) {
	f := newFixture(t, app)
	resp, body := f.get(t, StatusPath)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"state":"ready","generation":1,"serving":1,"clients":0,"queued":0}`, body)

	resp, _ = f.get(t, OverlayPath)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestHelloAndRequests(t *testing.T) {
	f := newFixture(t, app)
	conn := f.dial(t)

	assert.Equal(t, hmr.Hello(1, hmr.StateReady), read(t, conn))
	require.Eventually(t, func() bool { return f.server.Status().Clients == 1 }, 5*time.Second, 10*time.Millisecond)

	send(t, conn, `{"type":"ping","generation":1}`)
	assert.Equal(t, hmr.Pong(1), read(t, conn))

	send(t, conn, `{"type":"requestManifest"}`)
	msg := read(t, conn)
	assert.Equal(t, hmr.TypeManifest, msg.Type)
	assert.Equal(t, uint64(1), msg.Generation)
	require.NotNil(t, msg.Manifest)
	assert.Contains(t, msg.Manifest.Chunks, "index")
}

func TestHotUpdate(t *testing.T) {
	f := newFixture(t, app)
	conn := f.dial(t)
	read(t, conn)

	f.change(t, map[string]string{
		"/proj/src/widget.ts": "export const widget = (): string => \"v2\";\nif (module.hot) module.hot.accept();\n",
	})
	assert.Equal(t, hmr.Ready(2, []string{"index"}), read(t, conn))

	var m struct {
		Chunks map[string]struct{ JS string } `json:"chunks"`
	}
	_, body := f.get(t, "/manifest.json")
	require.NoError(t, json.Unmarshal([]byte(body), &m))
	_, js := f.get(t, "/"+m.Chunks["index"].JS)
	assert.Contains(t, js, "v2")
}

func TestEntryChangeRequiresFullReload(t *testing.T) {
	f := newFixture(t, app)
	conn := f.dial(t)
	read(t, conn)

	f.change(t, map[string]string{
		"/proj/src/index.ts": app["/proj/src/index.ts"] + "console.log(\"again\");\n",
	})
	msg := read(t, conn)
	assert.Equal(t, hmr.TypeFullReload, msg.Type)
	assert.Equal(t, uint64(2), msg.Generation)
	assert.Contains(t, msg.Reason, "entry module changed")
}

func TestHotDisabled(t *testing.T) {
	f := newFixture(t, app, func(cfg *config.Config) { cfg.Server.Hot = false })
	conn := f.dial(t)
	read(t, conn)

	f.change(t, map[string]string{
		"/proj/src/widget.ts": "export const widget = (): string => \"v2\";\nif (module.hot) module.hot.accept();\n",
	})
	assert.Equal(t, hmr.TypeFullReload, read(t, conn).Type)
}

func TestBuildErrorKeepsLastGoodOutput(t *testing.T) {
	f := newFixture(t, app)
	conn := f.dial(t)
	read(t, conn)

	_, before := f.get(t, "/manifest.json")

	f.change(t, map[string]string{"/proj/src/widget.ts": "export const widget = ;\n"})
	msg := read(t, conn)
	require.Equal(t, hmr.TypeBuildError, msg.Type)
	assert.Equal(t, uint64(2), msg.Generation)
	require.NotEmpty(t, msg.Errors)
	assert.Contains(t, msg.Errors[0].Module, "widget.ts")

	st := f.server.Status()
	assert.Equal(t, StateFailed, st.State)
	assert.Equal(t, uint64(2), st.Generation)
	assert.Equal(t, uint64(1), st.Serving)

	resp, after := f.get(t, "/manifest.json")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, before, after)

	resp, overlay := f.get(t, OverlayPath)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, overlay, "widget.ts")

	// a late client learns about the failure from hello
	late := f.dial(t)
	assert.Equal(t, hmr.Hello(2, hmr.StateFailed), read(t, late))

	f.change(t, map[string]string{
		"/proj/src/widget.ts": "export const widget = (): string => \"v3\";\nif (module.hot) module.hot.accept();\n",
	})
	// the failure was reported once; the next frame is the recovery
	assert.Equal(t, hmr.Ready(3, []string{"index"}), read(t, conn))
	assert.Equal(t, StateReady, f.server.Status().State)

	resp, _ = f.get(t, OverlayPath)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestInitialBuildFailure(t *testing.T) {
	broken := map[string]string{"/proj/src/index.ts": "import \"./missing\";\n"}
	f := newFixture(t, broken)

	st := f.server.Status()
	assert.Equal(t, StateFailed, st.State)
	assert.Equal(t, uint64(0), st.Serving)

	resp, body := f.get(t, "/", "Accept", "text/html")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, body, "missing")

	resp, _ = f.get(t, "/index.js", "Accept", "text/javascript")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	conn := f.dial(t)
	assert.Equal(t, hmr.Hello(1, hmr.StateFailed), read(t, conn))

	send(t, conn, `{"type":"requestManifest"}`)
	msg := read(t, conn)
	require.NotNil(t, msg.Manifest)
	assert.Empty(t, msg.Manifest.Chunks)

	f.change(t, map[string]string{"/proj/src/missing.ts": "export {};\n"})
	msg = read(t, conn)
	assert.Equal(t, hmr.FullReload(2, "full rebuild"), msg)
}

func TestCycleWarningsReachOverlay(t *testing.T) {
	f := newFixture(t, map[string]string{
		"/proj/src/index.ts": "import { a } from \"./a\";\ndocument.body.textContent = a;\n",
		"/proj/src/a.ts":     "import { b } from \"./b\";\nexport const a = \"a\";\nexport const useB = () => b;\n",
		"/proj/src/b.ts":     "import { useB } from \"./a\";\nexport const b = \"b\";\nexport const back = () => useB;\n",
	})

	st := f.server.Status()
	assert.Equal(t, StateReady, st.State)
	assert.Empty(t, st.Errors)
	require.Len(t, st.Warnings, 1)
	assert.Equal(t, "/proj/src/a.ts", st.Warnings[0].Module)

	resp, overlay := f.get(t, OverlayPath)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, overlay, "Build Warnings")
	assert.Contains(t, overlay, "circular dependency")

	// the page is served normally despite the warning
	resp, _ = f.get(t, "/", "Accept", "text/html")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	conn := f.dial(t)
	read(t, conn)
	f.change(t, map[string]string{"/proj/src/b.ts": "export const b = \"b\";\n"})
	read(t, conn)

	assert.Empty(t, f.server.Status().Warnings)
	resp, _ = f.get(t, OverlayPath)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestProtocolErrorClosesConnection(t *testing.T) {
	f := newFixture(t, app)
	conn := f.dial(t)
	read(t, conn)

	send(t, conn, `not json`)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))

	require.Eventually(t, func() bool {
		_, body := f.get(t, MetricsPath)
		return strings.Contains(body, "bundlr_devserver_protocol_errors_total 1")
	}, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool { return f.server.Status().Clients == 0 }, 5*time.Second, 10*time.Millisecond)

	// reconnecting clients start over with hello
	again := f.dial(t)
	assert.Equal(t, hmr.TypeHello, read(t, again).Type)
}

func TestBroadcastReachesEveryClient(t *testing.T) {
	f := newFixture(t, app)
	a, b := f.dial(t), f.dial(t)
	read(t, a)
	read(t, b)

	f.change(t, map[string]string{"/proj/src/style.css": "body { color: blue; }\n"})
	want := hmr.Ready(2, []string{"index"})
	assert.Equal(t, want, read(t, a))
	assert.Equal(t, want, read(t, b))
}

func TestOriginPatterns(t *testing.T) {
	assert.Equal(t,
		[]string{"localhost:3000", "*.example.com"},
		originPatterns([]string{"http://localhost:3000", "*.example.com"}))
}
