package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirepush/internal/auth"
	"github.com/vovakirdan/wirepush/internal/proto"
)

// AuthHandlers signs channel subscriptions.
type AuthHandlers struct {
	signer *auth.Signer
	// identified means presence members come from bearer tokens only.
	identified bool
	log        *zerolog.Logger
}

// NewAuthHandlers creates a new auth handlers instance.
func NewAuthHandlers(signer *auth.Signer, identified bool, logger *zerolog.Logger) *AuthHandlers {
	return &AuthHandlers{
		signer:     signer,
		identified: identified,
		log:        logger,
	}
}

// AuthRequest is the form body sent by subscribing clients.
type AuthRequest struct {
	SocketID    string `form:"socket_id" binding:"required"`
	ChannelName string `form:"channel_name" binding:"required"`
}

// AuthResponse is the signed subscription returned to the client.
type AuthResponse struct {
	Auth         string `json:"auth"`
	ChannelData  string `json:"channel_data,omitempty"`
	SharedSecret string `json:"shared_secret,omitempty"`
}

// ErrorResponse represents an error response body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Authorize signs a subscription for a private, encrypted or presence channel.
// POST /pusher/auth
func (h *AuthHandlers) Authorize(c *gin.Context) {
	var req AuthRequest
	if err := c.ShouldBind(&req); err != nil {
		h.log.Debug().Err(err).Msg("invalid auth request")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "socket_id and channel_name are required"})
		return
	}
	if !proto.ValidSocketID(req.SocketID) {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid socket_id"})
		return
	}
	if !proto.ValidChannelName(req.ChannelName) {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid channel_name"})
		return
	}

	var member *proto.ChannelData
	claims, hasClaims := claimsFrom(c)
	if proto.TypeOf(req.ChannelName) == proto.ChannelPresence {
		switch {
		case hasClaims:
			m := claims.Member()
			member = &m
		case h.identified:
			c.JSON(http.StatusForbidden, ErrorResponse{Error: "presence channels require an authenticated user"})
			return
		default:
			member = &proto.ChannelData{UserID: req.SocketID}
		}
	}

	token, err := h.signer.SignChannel(req.SocketID, req.ChannelName, member)
	if err != nil {
		status := statusFor(err)
		logEvent := h.log.Debug()
		if status == http.StatusInternalServerError {
			logEvent = h.log.Error()
		}
		logEvent.Err(err).Str("channel", req.ChannelName).Msg("failed to sign subscription")
		c.JSON(status, ErrorResponse{Error: err.Error()})
		return
	}

	ev := h.log.Info().Str("channel", req.ChannelName).Str("socket_id", req.SocketID)
	if hasClaims {
		ev = ev.Str("user_id", claims.UserID)
	}
	ev.Msg("subscription authorized")

	c.JSON(http.StatusOK, AuthResponse{
		Auth:         token.Auth,
		ChannelData:  token.ChannelData,
		SharedSecret: token.SharedSecret,
	})
}

func statusFor(err error) int {
	var authErr *auth.AuthError
	if !errors.As(err, &authErr) {
		return http.StatusInternalServerError
	}
	switch authErr.Kind {
	case auth.KindCouldNotBuildRequest:
		return http.StatusBadRequest
	case auth.KindNoMethod:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
