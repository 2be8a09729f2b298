// Package gate enforces authorization at the single point where a real-time
// media stream attaches. It is the only component permitted to let media
// flow, and it authorizes synchronously in the attach path; there is no
// fire-and-forget decision.
package gate

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/dense-identity/callgate/internal/authorizer"
)

// CloseUnauthorized is the application close code sent on every refused
// attach. The reason string distinguishes "come back later" from "go away",
// and nothing else; no identity information is ever echoed back.
const CloseUnauthorized = 4001

const (
	ReasonUnauthorized = "unauthorized"
	ReasonPendingRetry = "authentication pending - retry"
)

// Authorizer yields the memoized decision for a call.
type Authorizer interface {
	Authorize(callID string) (authorizer.Decision, error)
}

// Correlations records the call -> session mapping on authorized attaches.
type Correlations interface {
	Set(ctx context.Context, callID, sessionID string) error
}

// MediaHandler consumes an attached media stream. The default handler drains
// frames until the peer closes.
type MediaHandler func(conn *websocket.Conn, callID string)

// Gate is the WebSocket upgrade endpoint for media attach.
type Gate struct {
	auth     Authorizer
	corr     Correlations
	media    MediaHandler
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

// New creates a gate. A nil media handler installs the draining default.
func New(auth Authorizer, corr Correlations, media MediaHandler, log zerolog.Logger) *Gate {
	return &Gate{
		auth:  auth,
		corr:  corr,
		media: media,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The media peer is the telephony platform, not a browser;
			// origin checks do not apply to server-to-server upgrades.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: log,
	}
}

// ServeHTTP handles GET /media?call_id=...&session_id=...
//
// The connection is upgraded first so the application close code is
// deliverable, but no media frame is read or written until the decision is
// Authorized.
func (g *Gate) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	callID := r.URL.Query().Get("call_id")
	sessionID := r.URL.Query().Get("session_id")

	if callID == "" {
		http.Error(w, "call_id is required", http.StatusBadRequest)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn().Err(err).Str("call_id", callID).Msg("websocket upgrade failed")
		return
	}

	d, err := g.auth.Authorize(callID)
	switch {
	case err == nil && d.Authorized():
		g.attach(conn, callID, sessionID)

	case errors.Is(err, authorizer.ErrPending):
		g.log.Info().Str("call_id", callID).Msg("attach refused: authentication pending")
		g.refuse(conn, ReasonPendingRetry)

	case errors.Is(err, authorizer.ErrDuplicateAttach):
		g.log.Warn().Str("call_id", callID).Msg("attach refused: decision already consumed")
		g.refuse(conn, ReasonUnauthorized)

	default:
		g.log.Info().
			Str("call_id", callID).
			Str("reason", d.Reason).
			Msg("attach refused")
		g.refuse(conn, ReasonUnauthorized)
	}
}

func (g *Gate) attach(conn *websocket.Conn, callID, sessionID string) {
	if sessionID != "" && g.corr != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := g.corr.Set(ctx, callID, sessionID); err != nil {
			// Correlation routes UI updates; its absence never blocks media.
			g.log.Error().Err(err).Str("call_id", callID).Msg("failed to record correlation entry")
		}
		cancel()
	}

	g.log.Info().
		Str("call_id", callID).
		Bool("has_session", sessionID != "").
		Msg("media stream attached")

	if g.media != nil {
		g.media(conn, callID)
		return
	}

	// Default: hold the stream open and drain inbound frames.
	defer conn.Close()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (g *Gate) refuse(conn *websocket.Conn, reason string) {
	deadline := time.Now().Add(time.Second)
	msg := websocket.FormatCloseMessage(CloseUnauthorized, reason)
	if err := conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
		g.log.Debug().Err(err).Msg("failed to deliver close frame")
	}
	_ = conn.Close()
}
