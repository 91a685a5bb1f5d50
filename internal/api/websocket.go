package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/nerg-network/nerg-mine/internal/mining"
	"github.com/nerg-network/nerg-mine/internal/util"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Origin is checked by token auth, not by host
	},
}

// ProgressUpdate is one frame of the session progress stream
type ProgressUpdate struct {
	UserID        string  `json:"userId"`
	Status        string  `json:"status"`
	MinedAmount   float64 `json:"minedAmount"`
	TotalPossible float64 `json:"totalPossible"`
	Done          bool    `json:"done"`
	Now           int64   `json:"now"`
}

// handleProgressWS streams projected session progress to the caller.
// Projection is read-only; crediting still happens through the sweep
// and the process endpoint.
func (s *Server) handleProgressWS(c *gin.Context) {
	userID := callerID(c)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		util.Warnf("WebSocket upgrade error for %s: %v", userID, err)
		return
	}
	defer conn.Close()

	util.Debugf("Progress stream opened for %s", userID)

	// Drain client frames so pings and close messages are processed
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	interval := s.cfg.API.WSInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	ctx := c.Request.Context()
	for {
		if err := s.writeProgress(ctx, conn, userID); err != nil {
			return
		}

		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// writeProgress sends a single progress frame
func (s *Server) writeProgress(ctx context.Context, conn *websocket.Conn, userID string) error {
	session, err := s.redis.GetSession(ctx, userID)
	if err != nil {
		util.Warnf("Progress read failed for %s: %v", userID, err)
		return err
	}

	update := ProgressUpdate{
		UserID: userID,
		Status: "none",
		Now:    time.Now().Unix(),
	}

	if session != nil {
		amount, done := mining.Project(session, time.Now().UTC())
		update.Status = string(session.Status)
		update.MinedAmount = amount
		update.TotalPossible = session.TotalPossible()
		update.Done = done
	}

	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(update)
}
