package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"socratic-tutor/server/internal/agent"
	"socratic-tutor/server/internal/arbiter"
	"socratic-tutor/server/internal/model"
	"socratic-tutor/server/internal/session"
	"socratic-tutor/server/internal/timeline"
)

// DefaultAllowedOrigins 开发期允许本地前端跨域。
var DefaultAllowedOrigins = []string{"http://localhost:5173", "http://127.0.0.1:5173"}

type Server struct {
	sessions *session.Manager
	timeline timeline.Store
	logger   *slog.Logger
	now      func() time.Time
	origins  []string

	upgrader websocket.Upgrader
}

func NewServer(sessions *session.Manager, tl timeline.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		sessions: sessions,
		timeline: tl,
		logger:   logger,
		now:      time.Now,
		origins:  DefaultAllowedOrigins,
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			// 非浏览器客户端不带 Origin
			origin := r.Header.Get("Origin")
			return origin == "" || s.allowOrigin(origin)
		},
	}
	return s
}

func (s *Server) Routes() http.Handler {
	engine := gin.New()
	engine.Use(gin.Recovery(), s.requestLogger(), s.corsMiddleware())
	engine.GET("/healthz", s.handleHealthz)
	engine.POST("/api/sessions", s.handleCreateSession)
	engine.GET("/api/sessions/:id/history", s.handleHistory)
	engine.POST("/api/sessions/:id/turns", s.handleTurn)
	engine.POST("/api/sessions/:id/commands", s.handleCommand)
	engine.GET("/api/sessions/:id/timeline", s.handleTimeline)
	engine.GET("/api/sessions/:id/stream", s.handleStream)
	return engine
}

// handleHealthz 返回服务健康状态。
func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type createSessionRequest struct {
	// SessionID 为空时分配新 id；非空时重新打开该 id 已持久化的历史。
	SessionID string `json:"session_id"`
}

type sessionResponse struct {
	SessionID          string          `json:"session_id"`
	PersistenceEnabled bool            `json:"persistence_enabled"`
	Degraded           bool            `json:"degraded"`
	Messages           []model.Message `json:"messages"`
}

func newSessionResponse(sess *session.Session) sessionResponse {
	msgs := sess.History()
	if msgs == nil {
		msgs = []model.Message{}
	}
	return sessionResponse{
		SessionID:          sess.ID(),
		PersistenceEnabled: sess.PersistenceEnabled(),
		Degraded:           sess.Degraded(),
		Messages:           msgs,
	}
}

// handleCreateSession 创建（或重新打开）一个会话。请求体可以为空。
func (s *Server) handleCreateSession(c *gin.Context) {
	var req createSessionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
			return
		}
	}

	var (
		sess *session.Session
		err  error
	)
	if req.SessionID != "" {
		sess, err = s.sessions.Open(c.Request.Context(), req.SessionID)
	} else {
		sess, err = s.sessions.Create(c.Request.Context())
	}
	if errors.Is(err, session.ErrInvalidID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		s.logger.Error("create session failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create session failed"})
		return
	}
	c.JSON(http.StatusCreated, newSessionResponse(sess))
}

// handleHistory 返回会话的内存历史。
func (s *Server) handleHistory(c *gin.Context) {
	sess, ok := s.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, newSessionResponse(sess))
}

type turnRequest struct {
	Text string `json:"text"`
}

type turnResponse struct {
	Steps  []model.Step      `json:"steps"`
	Result *model.TurnResult `json:"result"`
}

// handleTurn 同步运行一轮对话，返回全部 step 与汇总结果。
func (s *Server) handleTurn(c *gin.Context) {
	sess, ok := s.lookup(c)
	if !ok {
		return
	}
	var req turnRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Text == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "text required"})
		return
	}
	if session.ParseCommand(req.Text) != session.CommandNone {
		c.JSON(http.StatusBadRequest, gin.H{"error": "commands must be sent to /commands"})
		return
	}

	resp := turnResponse{Steps: []model.Step{}}
	for step, err := range sess.Turn(c.Request.Context(), req.Text) {
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error(), "kind": errorKind(err)})
			return
		}
		resp.Steps = append(resp.Steps, step)
		if step.Done {
			resp.Result = step.Result
		}
	}
	c.JSON(http.StatusOK, resp)
}

type commandRequest struct {
	Command string `json:"command"`
}

// handleCommand 执行运行时命令；quit 注销会话。
func (s *Server) handleCommand(c *gin.Context) {
	sess, ok := s.lookup(c)
	if !ok {
		return
	}
	var req commandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	notice, closed, err := s.execute(c.Request.Context(), sess, session.ParseCommand(req.Command))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"notice": notice, "closed": closed})
}

// handleTimeline 返回该会话记录的全部事件。
func (s *Server) handleTimeline(c *gin.Context) {
	id := c.Param("id")
	if _, ok := s.lookup(c); !ok {
		return
	}
	events, err := s.timeline.List(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list timeline failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": id, "events": events})
}

func (s *Server) execute(ctx context.Context, sess *session.Session, cmd session.Command) (string, bool, error) {
	switch cmd {
	case session.CommandNone:
		return "", false, errors.New("unknown command")
	case session.CommandQuit:
		if err := s.sessions.Delete(ctx, sess.ID()); err != nil && !errors.Is(err, session.ErrNotFound) {
			return "", false, err
		}
		// 关闭后同一 id 重新打开时 timeline 从 seq 1 开始。
		if err := s.timeline.Drop(ctx, sess.ID()); err != nil {
			s.logger.Warn("drop timeline failed", "session_id", sess.ID(), "error", err)
		}
		return "Session closed.", true, nil
	default:
		notice, err := sess.Execute(ctx, cmd)
		return notice, false, err
	}
}

func (s *Server) lookup(c *gin.Context) (*session.Session, bool) {
	sess, err := s.sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "load session failed"})
		}
		return nil, false
	}
	return sess, true
}

// errorKind 把失败归类，供客户端展示简短诊断。
func errorKind(err error) string {
	var de *arbiter.DecisionError
	var ge *agent.GenerationError
	switch {
	case errors.As(err, &de):
		return "decision"
	case errors.As(err, &ge):
		return "generation"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "internal"
	}
}

func statusFor(err error) int {
	switch errorKind(err) {
	case "decision", "generation":
		return http.StatusBadGateway
	case "canceled":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) allowOrigin(origin string) bool {
	return slices.Contains(s.origins, origin)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := s.now()
		c.Next()
		s.logger.Info("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if s.allowOrigin(origin) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
