package api

import (
	"context"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/stone-classifier-server/internal/domain"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Stream message types.
const (
	MessageHistory = "history"
	MessageError   = "error"
)

// historyMessage is pushed to stream clients. Reason is "snapshot" for the
// first push and the change kind afterwards.
type historyMessage struct {
	Type      string                `json:"type"`
	PatientID string                `json:"patientId"`
	Reason    string                `json:"reason,omitempty"`
	Entries   []domain.HistoryEntry `json:"entries"`
	Error     string                `json:"error,omitempty"`
}

// handleHistoryStream upgrades to a websocket and pushes the patient's
// history once on connect and again after every change for that patient.
func (s *Server) handleHistoryStream(c *gin.Context) {
	patientID := strings.TrimSpace(c.Param("id"))
	if patientID == "" {
		s.respondError(c, domain.NewValidationError("patientId", "patient id is required", patientID))
		return
	}
	limit, ok := s.queryLimit(c)
	if !ok {
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already replied
		s.log.WithFields(logrus.Fields{
			"patient_id": patientID,
			"error":      err,
		}).Warn("History stream upgrade failed")
		return
	}
	defer conn.Close()

	// One pending signal is enough: every push reads the current history.
	changes := make(chan domain.HistoryChange, 1)
	unsubscribe := s.services.History.Subscribe(func(change domain.HistoryChange) {
		if change.PatientID != patientID {
			return
		}
		select {
		case changes <- change:
		default:
		}
	})
	defer unsubscribe()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go readPump(conn, cancel)

	log := s.log.WithField("patient_id", patientID)
	log.Debug("History stream opened")

	if err := s.pushHistory(ctx, conn, patientID, limit, "snapshot"); err != nil {
		log.WithError(err).Debug("History stream closed")
		return
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(writeWait))
			log.Debug("History stream closed")
			return
		case change := <-changes:
			if err := s.pushHistory(ctx, conn, patientID, limit, string(change.Kind)); err != nil {
				log.WithError(err).Debug("History stream closed")
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.WithError(err).Debug("History stream ping failed")
				return
			}
		}
	}
}

// pushHistory writes the current history. A history lookup failure is
// reported to the client without closing the stream.
func (s *Server) pushHistory(ctx context.Context, conn *websocket.Conn, patientID string, limit int, reason string) error {
	msg := historyMessage{
		Type:      MessageHistory,
		PatientID: patientID,
		Reason:    reason,
	}

	entries, err := s.services.History.RecentHistory(ctx, patientID, limit)
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"patient_id": patientID,
			"error":      err,
		}).Warn("History stream lookup failed")
		msg.Type = MessageError
		msg.Error = "history unavailable"
	} else {
		if entries == nil {
			entries = []domain.HistoryEntry{}
		}
		msg.Entries = entries
	}

	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteJSON(msg)
}

// readPump drains client frames so control messages are processed, and
// cancels the stream when the peer goes away.
func readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
