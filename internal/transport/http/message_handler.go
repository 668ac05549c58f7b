package httptransport

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"m-sync-go/internal/domain/auth/model"
	"m-sync-go/internal/domain/message"
	platformerrors "m-sync-go/internal/platform/errors"
	"m-sync-go/internal/platform/logging"
	"m-sync-go/internal/protocol"
)

// MessageHandler is the publish ingress and the history endpoint.
type MessageHandler struct {
	service *message.Service
	limiter *AccountLimiter
	logger  *logging.Logger
}

// NewMessageHandler creates the message handler. A nil limiter disables
// rate limiting.
func NewMessageHandler(service *message.Service, limiter *AccountLimiter, logger *logging.Logger) *MessageHandler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &MessageHandler{service: service, limiter: limiter, logger: logger}
}

// RegisterRoutes mounts the message routes on the secured group.
func (h *MessageHandler) RegisterRoutes(router *Router) {
	if router.Secured == nil {
		return
	}
	router.Secured.POST("/messages", RequireCapability(model.CapabilityPublish), RateLimit(h.limiter), h.Publish)
	router.Secured.GET("/messages/latest", RequireCapability(model.CapabilityRead), h.Latest)
}

// PublishRequest is the body of POST /api/messages.
type PublishRequest struct {
	Type    string `json:"type" binding:"required"`
	Content string `json:"content"`
}

// PublishResponse reports the stored message and how many live connections
// accepted it.
type PublishResponse struct {
	Message   protocol.Message `json:"message"`
	Delivered int              `json:"delivered"`
}

// Publish validates, stores and broadcasts one message.
func (h *MessageHandler) Publish(c *gin.Context) {
	cred, _ := CredentialFrom(c)

	var req PublishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "type and content are required", nil)
		return
	}

	msg, delivered, err := h.service.Publish(c.Request.Context(), message.PublishRequest{
		AccountID:    cred.AccountID,
		CredentialID: cred.ID,
		Type:         req.Type,
		Content:      req.Content,
	})
	if errors.Is(err, platformerrors.ErrValidationRejected) {
		RespondError(c, http.StatusBadRequest, err.Error(), nil)
		return
	}
	if err != nil {
		h.logger.ErrorTag(logging.TagHTTP, "publish for account %s: %v", cred.AccountID, err)
		RespondError(c, http.StatusInternalServerError, "could not publish message", nil)
		return
	}
	RespondSuccess(c, http.StatusCreated, PublishResponse{Message: msg, Delivered: delivered}, "message published")
}

// Latest returns the newest messages of the account.
func (h *MessageHandler) Latest(c *gin.Context) {
	cred, _ := CredentialFrom(c)

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			RespondError(c, http.StatusBadRequest, "limit must be a non-negative integer", nil)
			return
		}
		limit = n
	}

	messages, err := h.service.Latest(c.Request.Context(), cred.AccountID, limit)
	if err != nil {
		h.logger.ErrorTag(logging.TagHTTP, "history for account %s: %v", cred.AccountID, err)
		RespondError(c, http.StatusInternalServerError, "could not load history", nil)
		return
	}
	if messages == nil {
		messages = []protocol.Message{}
	}
	RespondSuccess(c, http.StatusOK, protocol.History{Messages: messages}, "")
}
