// Package ws provides the WebSocket presence channel: clients watch a run and
// receive its mirrored events, and can cancel runs or decide approvals
// without a separate HTTP round-trip.
package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/pairforge/pairforge/internal/config"
	"github.com/pairforge/pairforge/internal/domain"
	"github.com/pairforge/pairforge/internal/orchestrator"
	store "github.com/pairforge/pairforge/internal/repository"
	"github.com/pairforge/pairforge/internal/stream"
)

// Message types on the presence channel.
const (
	TypeWatchRun         = "watch_run"
	TypeWatchAck         = "watch_ack"
	TypeCancelRun        = "cancel_run"
	TypeCancelAck        = "cancel_ack"
	TypeApprovalDecision = "approval_decision"
	TypeDecisionAck      = "decision_ack"
	TypeError            = "error"
)

// Error codes sent to clients.
const (
	ErrorCodeInvalidMessage = "invalid_message"
	ErrorCodeRunNotFound    = "run_not_found"
	ErrorCodeNotPending     = "approval_not_pending"
)

// BaseMessage carries the fields common to every presence message.
type BaseMessage struct {
	Type  string `json:"type"`
	Ts    int64  `json:"ts,omitempty"`
	RunID string `json:"run_id,omitempty"`
}

// WatchRunMessage subscribes the connection to a run's mirrored events.
type WatchRunMessage struct {
	BaseMessage
}

// CancelRunMessage cancels an active run.
type CancelRunMessage struct {
	BaseMessage
}

// ApprovalDecisionMessage decides a pending approval.
type ApprovalDecisionMessage struct {
	BaseMessage
	ApprovalID string `json:"approval_id"`
	Decision   string `json:"decision"` // approve, reject
	Reason     string `json:"reason,omitempty"`
}

// ErrorMessage reports a failure back to the client.
type ErrorMessage struct {
	BaseMessage
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Server handles WebSocket connections.
type Server struct {
	cfg      *config.Config
	hub      *stream.Hub
	orch     *orchestrator.Orchestrator
	store    *store.SQLiteStore
	upgrader websocket.Upgrader
}

// NewServer creates a new WebSocket server.
func NewServer(cfg *config.Config, hub *stream.Hub, orch *orchestrator.Orchestrator, st *store.SQLiteStore) *Server {
	return &Server{
		cfg:   cfg,
		hub:   hub,
		orch:  orch,
		store: st,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// HandleWebSocket handles WebSocket upgrade and connection lifecycle.
// GET /v1/ws
func (s *Server) HandleWebSocket(c echo.Context) error {
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Printf("WARN: failed to upgrade WebSocket: %v", err)
		return err
	}

	conn := s.hub.NewConnection(ws)
	s.hub.Register(conn)

	ws.SetReadLimit(s.cfg.WSMaxMessageSize)

	go s.writePump(conn)
	go s.readPump(conn)

	return nil
}

// readPump reads messages from the WebSocket connection.
func (s *Server) readPump(conn *stream.Connection) {
	defer func() {
		s.hub.Unregister(conn)
		conn.Close()
	}()

	conn.Conn.SetReadDeadline(time.Now().Add(s.cfg.WSReadTimeout))
	conn.Conn.SetPongHandler(func(string) error {
		conn.Conn.SetReadDeadline(time.Now().Add(s.cfg.WSReadTimeout))
		return nil
	})

	for {
		_, message, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WARN: WebSocket error: %v", err)
			}
			break
		}

		s.handleMessage(conn, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (s *Server) writePump(conn *stream.Connection) {
	ticker := time.NewTicker(s.cfg.WSPingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Send:
			conn.Conn.SetWriteDeadline(time.Now().Add(s.cfg.WSWriteTimeout))
			if !ok {
				// Hub closed the channel
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("WARN: failed to write message: %v", err)
				return
			}

		case <-ticker.C:
			conn.Conn.SetWriteDeadline(time.Now().Add(s.cfg.WSWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage dispatches incoming messages to appropriate handlers.
func (s *Server) handleMessage(conn *stream.Connection, data []byte) {
	var baseMsg BaseMessage
	if err := json.Unmarshal(data, &baseMsg); err != nil {
		s.sendError(conn, "", ErrorCodeInvalidMessage, "invalid JSON message")
		return
	}

	switch baseMsg.Type {
	case TypeWatchRun:
		s.handleWatchRun(conn, data)
	case TypeCancelRun:
		s.handleCancelRun(conn, data)
	case TypeApprovalDecision:
		s.handleApprovalDecision(conn, data)
	default:
		s.sendError(conn, "", ErrorCodeInvalidMessage, "unknown message type: "+baseMsg.Type)
	}
}

// handleWatchRun binds the connection to a run's mirrored event feed.
func (s *Server) handleWatchRun(conn *stream.Connection, data []byte) {
	var msg WatchRunMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.RunID == "" {
		s.sendError(conn, "", ErrorCodeInvalidMessage, "run_id is required")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	run, err := s.store.GetRun(ctx, msg.RunID)
	if err != nil || run == nil {
		s.sendError(conn, msg.RunID, ErrorCodeRunNotFound, "run not found")
		return
	}

	s.hub.BindRun(conn, msg.RunID)

	ack := BaseMessage{Type: TypeWatchAck, Ts: time.Now().UnixMilli(), RunID: msg.RunID}
	s.sendJSON(conn, ack)
}

// handleCancelRun cancels an active run on the watcher's behalf.
func (s *Server) handleCancelRun(conn *stream.Connection, data []byte) {
	var msg CancelRunMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.RunID == "" {
		s.sendError(conn, "", ErrorCodeInvalidMessage, "run_id is required")
		return
	}

	if !s.orch.CancelRun(msg.RunID) {
		s.sendError(conn, msg.RunID, ErrorCodeRunNotFound, "run is not active")
		return
	}

	ack := BaseMessage{Type: TypeCancelAck, Ts: time.Now().UnixMilli(), RunID: msg.RunID}
	s.sendJSON(conn, ack)
}

// handleApprovalDecision records a decision; the run polling on the approval
// picks it up.
func (s *Server) handleApprovalDecision(conn *stream.Connection, data []byte) {
	var msg ApprovalDecisionMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.ApprovalID == "" {
		s.sendError(conn, "", ErrorCodeInvalidMessage, "approval_id is required")
		return
	}

	var status domain.ApprovalStatus
	switch msg.Decision {
	case "approve":
		status = domain.ApprovalStatusApproved
	case "reject":
		status = domain.ApprovalStatusRejected
	default:
		s.sendError(conn, msg.RunID, ErrorCodeInvalidMessage, "decision must be approve or reject")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	updated, err := s.store.DecideApproval(ctx, msg.ApprovalID, status, "user", msg.Reason)
	if err != nil {
		s.sendError(conn, msg.RunID, ErrorCodeInvalidMessage, err.Error())
		return
	}
	if !updated {
		s.sendError(conn, msg.RunID, ErrorCodeNotPending, "approval already decided")
		return
	}

	ack := BaseMessage{Type: TypeDecisionAck, Ts: time.Now().UnixMilli(), RunID: msg.RunID}
	s.sendJSON(conn, ack)
}

// sendJSON delivers one message to a connection, best effort.
func (s *Server) sendJSON(conn *stream.Connection, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := s.hub.SendToConnection(conn, data); err != nil {
		log.Printf("WARN: dropping message for connection %s: %v", conn.ID, err)
	}
}

// sendError sends an error message to a connection.
func (s *Server) sendError(conn *stream.Connection, runID, code, message string) {
	errMsg := ErrorMessage{
		BaseMessage: BaseMessage{Type: TypeError, Ts: time.Now().UnixMilli(), RunID: runID},
		Code:        code,
		Message:     message,
	}
	s.sendJSON(conn, errMsg)
}
