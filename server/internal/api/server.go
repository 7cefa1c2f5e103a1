package api

import (
	"errors"
	"log"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/rs/cors"
	"gopkg.in/yaml.v3"

	"muloom/server/internal/assets"
	"muloom/server/internal/config"
	"muloom/server/internal/deck"
	"muloom/server/internal/engine"
	"muloom/server/internal/model"
	"muloom/server/internal/realtime"
	"muloom/server/internal/timeline"
)

type Server struct {
	config   *config.Config
	state    *engine.State
	realtime *realtime.Manager
	assets   *assets.Loader
	journal  timeline.Store
	proxy    *http.Client
	logger   *log.Logger
}

func NewServer(cfg *config.Config, rt *realtime.Manager, loader *assets.Loader, journal timeline.Store, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		config:   cfg,
		state:    rt.State(),
		realtime: rt,
		assets:   loader,
		journal:  journal,
		proxy:    newProxyClient(),
		logger:   logger,
	}
}

func (s *Server) Routes() http.Handler {
	// Gin 统一承载中间件与路由；跨域交给 rs/cors，控制台与观看端可能来自任意来源。
	engine := gin.New()
	engine.Use(gin.Logger(), gin.Recovery())

	engine.GET("/healthz", s.handleHealthz)
	engine.GET("/profiles", s.handleProfiles)
	engine.GET("/assets", s.handleAssets)
	engine.GET("/api/fallback-assets", s.handleAssets)
	engine.GET("/api/state", s.handleState)

	engine.GET("/engine/transport", s.handleTransport)
	engine.POST("/engine/command", s.handleTransportCommand)
	engine.GET("/engine/pipeline", s.handlePipeline)

	engine.GET("/mix", s.handleMix)
	engine.POST("/mix/decks/:deck", s.handleMixDeck)
	engine.POST("/crossfader", s.handleCrossfader)

	engine.GET("/control-settings", s.handleGetControlSettings)
	engine.POST("/control-settings", s.handleUpdateControlSettings)
	engine.GET("/viewer-status", s.handleGetViewerStatus)
	engine.POST("/viewer-status", s.handleUpdateViewerStatus)

	engine.GET("/realtime", s.handleRealtime)
	engine.GET("/realtime/sessions", s.handleRealtimeSessions)
	engine.GET("/journal/:stream", s.handleJournal)
	engine.GET("/proxy/media", s.handleProxyMedia)

	if s.assets != nil && s.assets.MP4Dir != "" {
		engine.Static("/assets/mp4", s.assets.MP4Dir)
		engine.GET("/stream/mp4/*path", s.handleStreamMP4)
	}

	return cors.AllowAll().Handler(engine)
}

// handleHealthz 返回服务健康状态与当前配置档。
func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "profile": s.state.Profile()})
}

// handleProfiles 把 profiles.yaml 原样转成 JSON；文件不存在时返回空对象。
func (s *Server) handleProfiles(c *gin.Context) {
	profiles := map[string]any{}
	data, err := os.ReadFile(s.config.Paths.Profiles)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		s.logger.Printf("[API] read profiles failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "read profiles failed"})
		return
	default:
		if err := yaml.Unmarshal(data, &profiles); err != nil {
			s.logger.Printf("[API] parse profiles failed: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "parse profiles failed"})
			return
		}
		if profiles == nil {
			profiles = map[string]any{}
		}
	}
	c.JSON(http.StatusOK, gin.H{"profiles": profiles})
}

func (s *Server) loadAssets() (model.AssetCollection, error) {
	if s.assets == nil {
		return model.AssetCollection{GLSL: []model.Asset{}, Videos: []model.Asset{}, Overlays: []model.Asset{}}, nil
	}
	return s.assets.Load()
}

func (s *Server) handleAssets(c *gin.Context) {
	collection, err := s.loadAssets()
	if err != nil {
		s.logger.Printf("[API] load assets failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load assets failed"})
		return
	}
	c.JSON(http.StatusOK, collection)
}

// handleState 返回与 init 消息相同的全量快照。
func (s *Server) handleState(c *gin.Context) {
	collection, err := s.loadAssets()
	if err != nil {
		s.logger.Printf("[API] load assets failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load assets failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": s.state.Snapshot(), "assets": collection})
}

func (s *Server) handleTransport(c *gin.Context) {
	c.JSON(http.StatusOK, s.state.Transport().Snapshot())
}

// handleTransportCommand 与 WebSocket 的 transport-command 共用解析规则。
// 提交成功后由 Transport 观察者统一广播，这里不再重复发送。
func (s *Server) handleTransportCommand(c *gin.Context) {
	var body map[string]any
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	cmd, perr := realtime.ParseTransportCommand(body)
	if perr != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": perr.Message, "code": perr.Code})
		return
	}

	rev := cmd.ExpectedRev
	snap, err := s.state.ApplyTransportCommand(cmd.Op, &rev, cmd.PositionUS, cmd.Rate)
	switch {
	case errors.Is(err, timeline.ErrRevisionMismatch):
		c.JSON(http.StatusConflict, gin.H{
			"error":     err.Error(),
			"code":      realtime.CodeRevisionMismatch,
			"transport": s.state.Transport().Snapshot(),
		})
	case errors.Is(err, timeline.ErrInvalidCommand):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": realtime.CodeInvalidCommand})
	case err != nil:
		s.logger.Printf("[API] ❌ transport command %s failed: %v", cmd.Op, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "transport command failed"})
	default:
		c.JSON(http.StatusOK, gin.H{"transport": snap})
	}
}

type describer interface {
	Describe() map[string]any
}

// handlePipeline 返回渲染管线当前配置；管线不支持自描述时返回 404。
func (s *Server) handlePipeline(c *gin.Context) {
	d, ok := s.state.Pipeline().(describer)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "pipeline does not describe itself"})
		return
	}
	c.JSON(http.StatusOK, d.Describe())
}

func (s *Server) handleMix(c *gin.Context) {
	c.JSON(http.StatusOK, s.state.Mix())
}

type deckRequest struct {
	Type       *string  `json:"type"`
	AssetID    *string  `json:"assetId"`
	AssetIDAlt *string  `json:"asset_id"`
	Opacity    *float64 `json:"opacity"`
	Enabled    *bool    `json:"enabled"`
}

// update 生成整条 deck 的替换内容，缺省字段取空值。
func (r deckRequest) update() map[string]any {
	out := map[string]any{"type": nil, "assetId": nil, "opacity": 0.0, "enabled": false}
	if r.Type != nil {
		out["type"] = *r.Type
	}
	switch {
	case r.AssetID != nil:
		out["assetId"] = *r.AssetID
	case r.AssetIDAlt != nil:
		out["assetId"] = *r.AssetIDAlt
	}
	if r.Opacity != nil {
		out["opacity"] = *r.Opacity
	}
	if r.Enabled != nil {
		out["enabled"] = *r.Enabled
	}
	return out
}

func (s *Server) handleMixDeck(c *gin.Context) {
	key := c.Param("deck")
	if !deck.IsKey(key) {
		c.JSON(http.StatusNotFound, gin.H{"error": "deck '" + key + "' not found"})
		return
	}
	var req deckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if !s.state.ApplyDeckUpdate(key, req.update()) {
		c.JSON(http.StatusNotFound, gin.H{"error": "deck '" + key + "' not found"})
		return
	}
	s.realtime.BroadcastMixState(c.Request.Context(), nil)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type crossfaderRequest struct {
	CrossfaderAB *float64 `json:"crossfaderAB"`
	CrossfaderAC *float64 `json:"crossfaderAC"`
	CrossfaderBD *float64 `json:"crossfaderBD"`
	CrossfaderCD *float64 `json:"crossfaderCD"`
}

func centered(v *float64) float64 {
	if v == nil {
		return 0.5
	}
	return *v
}

// handleCrossfader 一次设置四个推子，缺省值回到居中。
func (s *Server) handleCrossfader(c *gin.Context) {
	var req crossfaderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	s.state.SetCrossfaders(centered(req.CrossfaderAB), centered(req.CrossfaderAC), centered(req.CrossfaderBD), centered(req.CrossfaderCD))
	s.realtime.BroadcastMixState(c.Request.Context(), nil)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleGetControlSettings(c *gin.Context) {
	c.JSON(http.StatusOK, s.state.ControlSettings())
}

func (s *Server) handleUpdateControlSettings(c *gin.Context) {
	var body map[string]any
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	s.state.UpdateControlSettings(body)
	s.realtime.BroadcastControlSettings(c.Request.Context(), nil)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleGetViewerStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.state.ViewerStatus())
}

func (s *Server) handleUpdateViewerStatus(c *gin.Context) {
	var body map[string]any
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	s.state.UpdateViewerStatus(body)
	s.realtime.BroadcastViewerStatus(c.Request.Context(), nil)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// handleRealtime 升级为 WebSocket，会话生命周期由 realtime.Manager 接管。
func (s *Server) handleRealtime(c *gin.Context) {
	s.realtime.ServeWS(c.Writer, c.Request)
}

func (s *Server) handleRealtimeSessions(c *gin.Context) {
	c.JSON(http.StatusOK, s.realtime.Stats())
}

// handleJournal 返回某个 stream 的全部变更记录，用于排障。
func (s *Server) handleJournal(c *gin.Context) {
	if s.journal == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "journal disabled"})
		return
	}
	stream := c.Param("stream")
	entries, err := s.journal.List(c.Request.Context(), stream)
	if err != nil {
		s.logger.Printf("[API] list journal %s failed: %v", stream, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list journal failed"})
		return
	}
	if entries == nil {
		entries = []timeline.Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"stream": stream, "entries": entries})
}

// handleStreamMP4 提供视频文件，Range 请求由 http.ServeContent 处理。
func (s *Server) handleStreamMP4(c *gin.Context) {
	full, err := s.assets.ResolveVideo(c.Param("path"))
	switch {
	case errors.Is(err, assets.ErrInvalidPath):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid video path"})
		return
	case err != nil:
		c.JSON(http.StatusNotFound, gin.H{"error": "video not found"})
		return
	}

	f, err := os.Open(full)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "video not found"})
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "video not found"})
		return
	}

	c.Header("Content-Type", "video/mp4")
	c.Header("Accept-Ranges", "bytes")
	http.ServeContent(c.Writer, c.Request, info.Name(), info.ModTime(), f)
}
