package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"

	"muloom/server/internal/assets"
	"muloom/server/internal/config"
	"muloom/server/internal/engine"
	"muloom/server/internal/realtime"
	"muloom/server/internal/timeline"
)

type testEnv struct {
	handler http.Handler
	state   *engine.State
	journal timeline.Store
	root    string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	root := t.TempDir()
	cfg := config.Default()
	cfg.Paths.Profiles = filepath.Join(root, "profiles.yaml")

	logger := log.New(io.Discard, "", 0)
	state := engine.NewState(engine.Options{Profile: "live", Logger: logger})
	journal := timeline.NewInMemoryStore()
	rt := realtime.NewManager(realtime.Options{State: state, Journal: journal, Logger: logger})
	loader := assets.NewLoader(filepath.Join(root, "glsl"), filepath.Join(root, "mp4"))

	srv := NewServer(cfg, rt, loader, journal, logger)
	return &testEnv{handler: srv.Routes(), state: state, journal: journal, root: root}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

// TestHealthzAndProfiles 验证健康检查上报 profile，profiles 文件缺失时返回空对象。
func TestHealthzAndProfiles(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/healthz", nil)
	if got := decode(t, rec); rec.Code != http.StatusOK || got["status"] != "ok" || got["profile"] != "live" {
		t.Fatalf("unexpected healthz: %d %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodGet, "/profiles", nil)
	if got := decode(t, rec); len(got["profiles"].(map[string]any)) != 0 {
		t.Fatalf("expected empty profiles, got %s", rec.Body.String())
	}

	yamlData := "default:\n  resolution: 1080p\n  fps: 60\n"
	if err := os.WriteFile(filepath.Join(env.root, "profiles.yaml"), []byte(yamlData), 0o644); err != nil {
		t.Fatalf("write profiles: %v", err)
	}
	rec = env.do(t, http.MethodGet, "/profiles", nil)
	profiles := decode(t, rec)["profiles"].(map[string]any)
	def, ok := profiles["default"].(map[string]any)
	if !ok || def["fps"] != float64(60) {
		t.Fatalf("unexpected profiles: %s", rec.Body.String())
	}
}

// TestTransportCommandLifecycle 验证 REST 命令的 200/409/400 语义。
func TestTransportCommandLifecycle(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/engine/command", map[string]any{"op": "seek", "expectedRev": 0, "position": 1.5})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rec.Code, rec.Body.String())
	}
	transport := decode(t, rec)["transport"].(map[string]any)
	if transport["rev"] != float64(1) || transport["pos_us"] != float64(1500000) {
		t.Fatalf("unexpected transport: %v", transport)
	}

	rec = env.do(t, http.MethodPost, "/engine/command", map[string]any{"op": "play", "expected_rev": 0})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if got := decode(t, rec); got["code"] != realtime.CodeRevisionMismatch {
		t.Fatalf("unexpected conflict body: %v", got)
	}

	rec = env.do(t, http.MethodPost, "/engine/command", map[string]any{"op": "explode", "expected_rev": 1})
	if rec.Code != http.StatusBadRequest || decode(t, rec)["code"] != realtime.CodeInvalidCommand {
		t.Fatalf("expected invalid command, got %d %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodPost, "/engine/command", map[string]any{"op": "play"})
	if rec.Code != http.StatusBadRequest || decode(t, rec)["code"] != realtime.CodeInvalidPayload {
		t.Fatalf("expected invalid payload, got %d %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodGet, "/engine/transport", nil)
	if got := decode(t, rec); got["rev"] != float64(1) {
		t.Fatalf("unexpected transport snapshot: %v", got)
	}
}

// TestMixRoutes 验证 deck 更新整条替换、未知 deck 返回 404、推子缺省居中。
func TestMixRoutes(t *testing.T) {
	env := newTestEnv(t)

	if rec := env.do(t, http.MethodPost, "/mix/decks/e", map[string]any{}); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for deck e, got %d", rec.Code)
	}

	rec := env.do(t, http.MethodPost, "/mix/decks/a", map[string]any{"type": "video", "assetId": "loops/a.mp4", "opacity": 2, "enabled": true})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rec.Code, rec.Body.String())
	}
	d := env.state.Mix().Decks["a"]
	if d.Type == nil || *d.Type != "video" || d.AssetID == nil || d.Opacity != 1 || !d.Enabled {
		t.Fatalf("unexpected deck a: %+v", d)
	}
	pipeline := decode(t, env.do(t, http.MethodGet, "/engine/pipeline", nil))
	if layers, _ := pipeline["mixer_layers"].([]any); len(layers) != 1 {
		t.Fatalf("expected one mixer layer, got %v", pipeline)
	}

	env.do(t, http.MethodPost, "/mix/decks/a", map[string]any{"opacity": 0.3})
	if d := env.state.Mix().Decks["a"]; d.Type != nil || d.AssetID != nil || d.Opacity != 0.3 || d.Enabled {
		t.Fatalf("expected deck a replaced, got %+v", d)
	}

	env.do(t, http.MethodPost, "/crossfader", map[string]any{"crossfaderAB": 0.2, "crossfaderCD": 3})
	mix := env.state.Mix()
	if mix.CrossfaderAB != 0.2 || mix.CrossfaderAC != 0.5 || mix.CrossfaderCD != 1 {
		t.Fatalf("unexpected crossfaders: %+v", mix)
	}

	rec = env.do(t, http.MethodGet, "/mix", nil)
	if got := decode(t, rec); got["crossfaderAB"] != 0.2 {
		t.Fatalf("unexpected mix: %v", got)
	}
}

// TestSettingsRoutes 验证控制参数与观看端状态的读写。
func TestSettingsRoutes(t *testing.T) {
	env := newTestEnv(t)

	env.do(t, http.MethodPost, "/control-settings", map[string]any{"prompt": "neon", "audioInputMode": "bogus"})
	got := decode(t, env.do(t, http.MethodGet, "/control-settings", nil))
	if got["prompt"] != "neon" || got["audioInputMode"] != "file" || got["modelProvider"] != "gemini" {
		t.Fatalf("unexpected control settings: %v", got)
	}

	env.do(t, http.MethodPost, "/viewer-status", map[string]any{"isRunning": true, "audioSensitivity": -2})
	got = decode(t, env.do(t, http.MethodGet, "/viewer-status", nil))
	if got["isRunning"] != true || got["audioSensitivity"] != float64(0) {
		t.Fatalf("unexpected viewer status: %v", got)
	}

	if rec := env.do(t, http.MethodPost, "/viewer-status", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing body, got %d", rec.Code)
	}
}

// TestStateAssetsAndSessions 验证全量快照、素材列表与会话统计。
func TestStateAssetsAndSessions(t *testing.T) {
	env := newTestEnv(t)
	if err := os.MkdirAll(filepath.Join(env.root, "glsl"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(env.root, "glsl", "waves.glsl"), []byte("void main(){}"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	got := decode(t, env.do(t, http.MethodGet, "/api/state", nil))
	state := got["state"].(map[string]any)
	if _, ok := state["transport"]; !ok {
		t.Fatalf("state missing transport: %v", state)
	}
	glsl := got["assets"].(map[string]any)["glsl"].([]any)
	if len(glsl) != 1 {
		t.Fatalf("expected one shader, got %v", glsl)
	}

	got = decode(t, env.do(t, http.MethodGet, "/assets", nil))
	if videos := got["videos"].([]any); len(videos) != 0 {
		t.Fatalf("expected no videos, got %v", videos)
	}

	got = decode(t, env.do(t, http.MethodGet, "/realtime/sessions", nil))
	if got["session_count"] != float64(0) || got["running"] != false {
		t.Fatalf("unexpected realtime stats: %v", got)
	}
}

// TestJournalRoute 验证按 stream 查询变更日志。
func TestJournalRoute(t *testing.T) {
	env := newTestEnv(t)
	entry := &timeline.Entry{ID: "boot:rev-1", Type: "transport", Payload: json.RawMessage(`{"rev":1}`)}
	if _, err := env.journal.Append(context.Background(), "transport", entry); err != nil {
		t.Fatalf("append: %v", err)
	}

	got := decode(t, env.do(t, http.MethodGet, "/journal/transport", nil))
	entries := got["entries"].([]any)
	if len(entries) != 1 || entries[0].(map[string]any)["id"] != "boot:rev-1" {
		t.Fatalf("unexpected journal: %v", got)
	}

	got = decode(t, env.do(t, http.MethodGet, "/journal/deck:a", nil))
	if entries := got["entries"].([]any); len(entries) != 0 {
		t.Fatalf("expected empty stream, got %v", entries)
	}
}

// TestStreamMP4 验证 Range 请求与路径穿越防护。
func TestStreamMP4(t *testing.T) {
	env := newTestEnv(t)
	dir := filepath.Join(env.root, "mp4", "loops")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "a.mp4"), []byte("0123456789"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/stream/mp4/loops/a.mp4", nil)
	req.Header.Set("Range", "bytes=2-4")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusPartialContent || rec.Body.String() != "234" {
		t.Fatalf("expected 206 with 234, got %d %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Content-Range") != "bytes 2-4/10" {
		t.Fatalf("unexpected content range: %q", rec.Header().Get("Content-Range"))
	}

	if rec := env.do(t, http.MethodGet, "/stream/mp4/loops/a.mp4", nil); rec.Code != http.StatusOK || rec.Body.Len() != 10 {
		t.Fatalf("expected full body, got %d %d", rec.Code, rec.Body.Len())
	}
	if rec := env.do(t, http.MethodGet, "/stream/mp4/../profiles.yaml", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for traversal, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/stream/mp4/loops/missing.mp4", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

// TestProxyMedia 验证远程媒体转发：透传正文与类型，拒绝非 http(s)，上游错误按状态码返回。
func TestProxyMedia(t *testing.T) {
	env := newTestEnv(t)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") != proxyUserAgent {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		if r.URL.Path != "/clip.mp4" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "video/mp4")
		_, _ = w.Write([]byte("remote-bytes"))
	}))
	defer upstream.Close()

	rec := env.do(t, http.MethodGet, "/proxy/media?url="+url.QueryEscape(upstream.URL+"/clip.mp4"), nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "remote-bytes" {
		t.Fatalf("expected proxied body, got %d %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Content-Type") != "video/mp4" || rec.Header().Get("Content-Length") != "12" {
		t.Fatalf("unexpected headers: %v", rec.Header())
	}

	if rec := env.do(t, http.MethodGet, "/proxy/media?url="+url.QueryEscape(upstream.URL+"/missing.mp4"), nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected upstream 404 to pass through, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/proxy/media?url="+url.QueryEscape("file:///etc/passwd"), nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for file scheme, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/proxy/media", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without url, got %d", rec.Code)
	}

	closed := httptest.NewServer(http.NotFoundHandler())
	deadURL := closed.URL + "/clip.mp4"
	closed.Close()
	if rec := env.do(t, http.MethodGet, "/proxy/media?url="+url.QueryEscape(deadURL), nil); rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 for unreachable upstream, got %d", rec.Code)
	}
}

// TestCORSPreflight 验证跨域预检由 rs/cors 直接应答。
func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodOptions, "/engine/command", nil)
	req.Header.Set("Origin", "http://viewer.local:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("unexpected allow origin: %q", rec.Header().Get("Access-Control-Allow-Origin"))
	}
}
