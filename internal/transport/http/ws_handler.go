package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"live-quiz-service/internal/app"
	"live-quiz-service/internal/domain"
)

// Coordinator is the slice of app.Coordinator the socket layer drives.
type Coordinator interface {
	Connect(connID string, identity domain.Identity, sender app.Sender)
	Handle(ctx context.Context, connID string, env domain.Envelope) error
	Disconnect(connID string)
}

// CredentialDecoder turns the presented credential string into raw token bytes.
type CredentialDecoder func(raw string) ([]byte, error)

type WSHandler struct {
	coordinator Coordinator
	auth        app.Authenticator
	decode      CredentialDecoder
	upgrader    websocket.Upgrader
	config      ConnConfig
}

func NewWSHandler(coordinator Coordinator, auth app.Authenticator, decode CredentialDecoder, checkOrigin func(*http.Request) bool, cfg ConnConfig) *WSHandler {
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	return &WSHandler{
		coordinator: coordinator,
		auth:        auth,
		decode:      decode,
		config:      cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
	}
}

// ServeWS verifies the credential before upgrading, then pumps frames between the
// socket and the coordinator until either side closes.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	identity, err := h.authenticate(r)
	if err != nil {
		log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("ws credential rejected")
		http.Error(w, domain.CodeUnauthorized, http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("ws upgrade failed")
		return
	}

	connID := uuid.NewString()
	conn := newWSConn(connID, ws, h.config)
	go conn.writePump()

	h.coordinator.Connect(connID, identity, conn)
	log.Info().Str("connection_id", connID).Str("participant_id", identity.ParticipantID).Msg("ws connected")

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		h.coordinator.Disconnect(connID)
		_ = conn.Close()
		<-conn.writerDone
		log.Info().Str("connection_id", connID).Msg("ws disconnected")
	}()

	h.readLoop(ctx, conn)
}

func (h *WSHandler) readLoop(ctx context.Context, conn *wsConn) {
	ws := conn.ws
	ws.SetReadLimit(h.config.MaxMessageSize)
	_ = ws.SetReadDeadline(timeNow().Add(h.config.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(timeNow().Add(h.config.ReadTimeout))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("connection_id", conn.id).Msg("unexpected ws close")
			}
			return
		}
		_ = ws.SetReadDeadline(timeNow().Add(h.config.ReadTimeout))

		var env domain.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			_ = conn.Send(domain.Outbound{
				Type:    domain.MsgError,
				Payload: domain.ErrorPayload{Code: domain.CodeBadRequest, Message: "invalid message envelope"},
			})
			continue
		}
		// Rejections were already reported to this connection.
		if err := h.coordinator.Handle(ctx, conn.id, env); err != nil && errors.Is(err, context.Canceled) {
			return
		}
	}
}

func (h *WSHandler) authenticate(r *http.Request) (domain.Identity, error) {
	raw := r.Header.Get("Authorization")
	if raw == "" {
		raw = r.URL.Query().Get("token")
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return domain.Identity{}, domain.ErrUnauthorized
	}
	credential, err := h.decode(raw)
	if err != nil {
		return domain.Identity{}, err
	}
	return h.auth.Verify(credential)
}
