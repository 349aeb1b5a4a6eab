package http

import (
	"context"
	"errors"
	"io"
	stdhttp "net/http"
	"strconv"
	"strings"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/studymatch/chat-server/internal/auth"
	"github.com/studymatch/chat-server/internal/core"
)

// WSHandler gates incoming chat connections and bridges accepted sockets
// into core sessions. All three handshake checks (token, room active,
// participant) run before websocket.Accept, so a rejected client never
// observes a successful upgrade: it gets a bare HTTP 401/404/403 instead.
type WSHandler struct {
	deps core.Deps
	auth *auth.Service
	log  *zerolog.Logger
}

// NewWSHandler builds a new WebSocket handler.
func NewWSHandler(deps core.Deps, authService *auth.Service, logger *zerolog.Logger) *WSHandler {
	return &WSHandler{deps: deps, auth: authService, log: logger}
}

// wsConn adapts a coder/websocket connection to core.Conn.
type wsConn struct {
	conn *websocket.Conn
}

func (w *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.conn.Read(ctx)
	return data, err
}

func (w *wsConn) Write(ctx context.Context, data []byte) error {
	return w.conn.Write(ctx, websocket.MessageText, data)
}

// Handle serves GET /ws/chat/:room_id.
func (h *WSHandler) Handle(c *gin.Context) {
	ctx := c.Request.Context()

	roomID, err := strconv.ParseInt(c.Param("room_id"), 10, 64)
	if err != nil {
		c.JSON(stdhttp.StatusNotFound, ErrorResponse{Error: "room not found"})
		return
	}

	identity, err := h.auth.Authenticate(bearerToken(c))
	if err != nil {
		h.log.Debug().Err(err).Int64("room_id", roomID).Msg("ws unauthenticated")
		c.JSON(stdhttp.StatusUnauthorized, ErrorResponse{Error: "unauthenticated"})
		return
	}

	sess := core.NewSession(h.deps, identity, roomID)
	if err := sess.Authorize(ctx); err != nil {
		switch {
		case errors.Is(err, core.ErrRoomNotFound):
			c.JSON(stdhttp.StatusNotFound, ErrorResponse{Error: "room not found"})
		case errors.Is(err, core.ErrForbidden):
			c.JSON(stdhttp.StatusForbidden, ErrorResponse{Error: "forbidden"})
		default:
			h.log.Error().Err(err).Int64("room_id", roomID).Msg("ws authorize")
			c.JSON(stdhttp.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		}
		return
	}

	if err := sess.Subscribe(ctx); err != nil {
		h.log.Error().Err(err).Int64("room_id", roomID).Msg("ws subscribe")
		sess.Close()
		c.JSON(stdhttp.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		return
	}

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Error().Err(err).Int64("room_id", roomID).Msg("ws accept error")
		sess.Close()
		return
	}
	defer conn.Close(websocket.StatusCode(core.CloseCodeInternal), "internal error")

	err = sess.Run(ctx, &wsConn{conn: conn})

	status := websocket.StatusNormalClosure
	reason := "closing"
	if err != nil && !errors.Is(err, context.Canceled) {
		if errors.Is(err, io.EOF) {
			err = nil
		}
		if s := websocket.CloseStatus(err); s != -1 {
			status = s
		}
		if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
			err = nil
		}
		if err != nil {
			if status == websocket.StatusNormalClosure {
				status = websocket.StatusCode(core.CloseCodeInternal)
			}
			reason = "internal error"
			h.log.Warn().Err(err).Str("conn_id", sess.ConnID()).Msg("ws connection closed with error")
		}
	}

	conn.Close(status, reason)
}

// bearerToken pulls the JWT from the Authorization header, falling back to
// the token query parameter for browser websocket clients that cannot set
// headers.
func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && parts[0] == "Bearer" {
			return parts[1]
		}
		return ""
	}
	return c.Query("token")
}
