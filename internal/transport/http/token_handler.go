package httptransport

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"m-sync-go/internal/domain/auth"
	"m-sync-go/internal/domain/auth/model"
	"m-sync-go/internal/platform/logging"
	"m-sync-go/internal/protocol"
)

// TokenHandler lets a credential holder list, mint and revoke the
// credentials of its account.
type TokenHandler struct {
	manager *auth.Manager
	logger  *logging.Logger
}

// NewTokenHandler creates the token handler.
func NewTokenHandler(manager *auth.Manager, logger *logging.Logger) *TokenHandler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &TokenHandler{manager: manager, logger: logger}
}

// RegisterRoutes mounts the token routes on the secured group.
func (h *TokenHandler) RegisterRoutes(router *Router) {
	if router.Secured == nil {
		return
	}
	router.Secured.GET("/tokens", h.List)
	router.Secured.POST("/tokens", h.Create)
	router.Secured.DELETE("/tokens/:id", h.Revoke)
}

// TokenList answers GET /api/tokens.
type TokenList struct {
	Current string               `json:"current"`
	Tokens  []protocol.TokenInfo `json:"tokens"`
}

// List returns the usable credentials of the caller's account.
func (h *TokenHandler) List(c *gin.Context) {
	cred, _ := CredentialFrom(c)
	creds, err := h.manager.List(c.Request.Context(), cred.AccountID)
	if err != nil {
		h.logger.ErrorTag(logging.TagAuth, "list credentials of %s: %v", cred.AccountID, err)
		RespondError(c, http.StatusInternalServerError, "could not list credentials", nil)
		return
	}

	out := TokenList{Current: cred.ID, Tokens: make([]protocol.TokenInfo, 0, len(creds))}
	for _, item := range creds {
		out.Tokens = append(out.Tokens, item.Info())
	}
	RespondSuccess(c, http.StatusOK, out, "")
}

// CreateTokenRequest is the body of POST /api/tokens. A nil TTLSeconds uses
// the server default; zero never expires.
type CreateTokenRequest struct {
	Label        string   `json:"label"`
	DeviceType   string   `json:"device_type"`
	Capabilities []string `json:"capabilities"`
	TTLSeconds   *int64   `json:"ttl_seconds"`
}

// Create mints an additional credential. It cannot grant capabilities the
// caller does not hold.
func (h *TokenHandler) Create(c *gin.Context) {
	cred, _ := CredentialFrom(c)

	var req CreateTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid token request", nil)
		return
	}

	caps := model.ParseCapabilities(req.Capabilities)
	if len(req.Capabilities) > 0 && len(caps) == 0 {
		RespondError(c, http.StatusBadRequest, "no known capability requested", nil)
		return
	}
	if len(caps) == 0 {
		caps = append([]model.Capability(nil), cred.Capabilities...)
	}
	for _, capability := range caps {
		if !cred.Has(capability) {
			RespondError(c, http.StatusForbidden, "cannot grant "+string(capability)+" capability", nil)
			return
		}
	}

	issueReq := auth.IssueRequest{
		AccountID:    cred.AccountID,
		Username:     cred.Username,
		Label:        req.Label,
		DeviceType:   req.DeviceType,
		Capabilities: caps,
		Reason:       "create",
	}
	if req.TTLSeconds != nil {
		if *req.TTLSeconds < 0 {
			RespondError(c, http.StatusBadRequest, "ttl_seconds must not be negative", nil)
			return
		}
		ttl := time.Duration(*req.TTLSeconds) * time.Second
		issueReq.TTL = &ttl
	}

	issued, err := h.manager.Issue(c.Request.Context(), issueReq)
	if err != nil {
		h.logger.ErrorTag(logging.TagAuth, "create credential for %s: %v", cred.AccountID, err)
		RespondError(c, http.StatusInternalServerError, "could not issue credential", nil)
		return
	}
	RespondSuccess(c, http.StatusCreated, CredentialResponse{
		Token:     issued.Token,
		TokenInfo: issued.Credential.Info(),
	}, "credential created")
}

// Revoke revokes a credential of the caller's account. Live connections
// using it are closed through the credential:revoked event.
func (h *TokenHandler) Revoke(c *gin.Context) {
	cred, _ := CredentialFrom(c)
	id := c.Param("id")

	err := h.manager.Revoke(c.Request.Context(), cred.AccountID, id)
	if errors.Is(err, auth.ErrCredentialNotFound) {
		RespondError(c, http.StatusNotFound, err.Error(), nil)
		return
	}
	if err != nil {
		h.logger.ErrorTag(logging.TagAuth, "revoke credential %s: %v", id, err)
		RespondError(c, http.StatusInternalServerError, "could not revoke credential", nil)
		return
	}
	RespondSuccess(c, http.StatusOK, gin.H{"id": id}, "credential revoked")
}
