package api

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"socratic-tutor/server/internal/model"
	"socratic-tutor/server/internal/session"
)

const streamWriteTimeout = 10 * time.Second

// 推送给客户端的帧类型。
const (
	FrameStep     = "step"
	FrameTurnDone = "turn_done"
	FrameError    = "error"
	FrameNotice   = "notice"
)

// ClientFrame 是客户端发送的帧：text 是一轮输入，command 是运行时命令。
type ClientFrame struct {
	Text    string `json:"text,omitempty"`
	Command string `json:"command,omitempty"`
}

// ServerFrame 是服务端推送的帧。
type ServerFrame struct {
	Type   string            `json:"type"`
	Step   *model.Step       `json:"step,omitempty"`
	Result *model.TurnResult `json:"result,omitempty"`
	Error  string            `json:"error,omitempty"`
	Kind   string            `json:"kind,omitempty"`
	Notice string            `json:"notice,omitempty"`
}

// handleStream 升级为 WebSocket：每收到一帧输入运行一轮，每个节点执行后推送一帧。
func (s *Server) handleStream(c *gin.Context) {
	sess, ok := s.lookup(c)
	if !ok {
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "session_id", sess.ID(), "error", err)
		return
	}
	defer conn.Close()

	logger := s.logger.With("session_id", sess.ID())
	logger.Info("stream connected", "remote", c.Request.RemoteAddr)
	ctx := c.Request.Context()

	for {
		var in ClientFrame
		if err := conn.ReadJSON(&in); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("stream read ended", "error", err)
			}
			return
		}

		if in.Command != "" || session.ParseCommand(in.Text) != session.CommandNone {
			raw := in.Command
			if raw == "" {
				raw = in.Text
			}
			notice, closed, err := s.execute(ctx, sess, session.ParseCommand(raw))
			frame := ServerFrame{Type: FrameNotice, Notice: notice}
			if err != nil {
				frame = ServerFrame{Type: FrameError, Error: err.Error(), Kind: "command"}
			}
			if !s.writeFrame(conn, frame) {
				return
			}
			if closed {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"),
					time.Now().Add(streamWriteTimeout))
				return
			}
			continue
		}
		if in.Text == "" {
			if !s.writeFrame(conn, ServerFrame{Type: FrameError, Error: "text required", Kind: "request"}) {
				return
			}
			continue
		}

		if !s.streamTurn(ctx, conn, sess, in.Text) {
			return
		}
	}
}

// streamTurn 推送一轮的全部 step；写失败时中断本轮（不提交）并返回 false。
func (s *Server) streamTurn(ctx context.Context, conn *websocket.Conn, sess *session.Session, text string) bool {
	for step, err := range sess.Turn(ctx, text) {
		if err != nil {
			return s.writeFrame(conn, ServerFrame{Type: FrameError, Error: err.Error(), Kind: errorKind(err)})
		}
		stepCopy := step
		if !s.writeFrame(conn, ServerFrame{Type: FrameStep, Step: &stepCopy}) {
			return false
		}
		if step.Done {
			return s.writeFrame(conn, ServerFrame{Type: FrameTurnDone, Result: step.Result})
		}
	}
	return s.writeFrame(conn, ServerFrame{Type: FrameError, Error: "turn ended without result", Kind: "internal"})
}

func (s *Server) writeFrame(conn *websocket.Conn, frame ServerFrame) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	if err := conn.WriteJSON(frame); err != nil {
		s.logger.Debug("stream write failed", "type", frame.Type, "error", err)
		return false
	}
	return true
}
