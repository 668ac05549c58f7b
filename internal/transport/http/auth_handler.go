package httptransport

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"m-sync-go/internal/domain/account"
	"m-sync-go/internal/domain/auth"
	platformerrors "m-sync-go/internal/platform/errors"
	"m-sync-go/internal/platform/logging"
	"m-sync-go/internal/protocol"
)

// AuthHandler serves registration, password login, the browser login page,
// validation and refresh.
type AuthHandler struct {
	accounts *account.Service
	manager  *auth.Manager
	logger   *logging.Logger
}

// NewAuthHandler creates the auth handler.
func NewAuthHandler(accounts *account.Service, manager *auth.Manager, logger *logging.Logger) *AuthHandler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &AuthHandler{accounts: accounts, manager: manager, logger: logger}
}

// RegisterRoutes mounts the auth routes. Secured routes need router.Secured.
func (h *AuthHandler) RegisterRoutes(router *Router) {
	router.API.POST("/auth/register", h.Register)
	router.API.POST("/auth/login", h.Login)
	router.Engine.GET("/auth/login", h.LoginPage)
	router.Engine.POST("/auth/login", h.LoginSubmit)

	if router.Secured != nil {
		router.Secured.GET("/auth/validate", h.Validate)
		router.Secured.POST("/auth/refresh", h.Refresh)
	}
}

// PasswordRequest is the body of register and login.
type PasswordRequest struct {
	Username   string `json:"username" binding:"required"`
	Password   string `json:"password" binding:"required"`
	DeviceType string `json:"device_type"`
	Label      string `json:"label"`
}

// CredentialResponse carries a freshly issued credential.
type CredentialResponse struct {
	Token     string             `json:"token"`
	TokenInfo protocol.TokenInfo `json:"token_info"`
	Account   *account.Account   `json:"account,omitempty"`
}

// Register creates an account and its first credential.
func (h *AuthHandler) Register(c *gin.Context) {
	var req PasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "username and password are required", nil)
		return
	}

	acct, err := h.accounts.Register(c.Request.Context(), req.Username, req.Password)
	switch {
	case errors.Is(err, account.ErrUsernameTaken):
		RespondError(c, http.StatusConflict, err.Error(), nil)
		return
	case errors.Is(err, platformerrors.ErrValidationRejected):
		RespondError(c, http.StatusBadRequest, err.Error(), nil)
		return
	case err != nil:
		h.logger.ErrorTag(logging.TagAuth, "register %s: %v", req.Username, err)
		RespondError(c, http.StatusInternalServerError, "registration failed", nil)
		return
	}

	issued, err := h.issue(c, acct, req.DeviceType, req.Label, "register")
	if err != nil {
		return
	}
	RespondSuccess(c, http.StatusCreated, CredentialResponse{
		Token:     issued.Token,
		TokenInfo: issued.Credential.Info(),
		Account:   &acct,
	}, "account registered")
}

// Login exchanges a username and password for a credential.
func (h *AuthHandler) Login(c *gin.Context) {
	var req PasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "username and password are required", nil)
		return
	}

	acct, err := h.accounts.Authenticate(c.Request.Context(), req.Username, req.Password)
	if errors.Is(err, account.ErrInvalidCredentials) {
		RespondError(c, http.StatusUnauthorized, err.Error(), nil)
		return
	}
	if err != nil {
		h.logger.ErrorTag(logging.TagAuth, "login %s: %v", req.Username, err)
		RespondError(c, http.StatusInternalServerError, "login failed", nil)
		return
	}

	issued, err := h.issue(c, acct, req.DeviceType, req.Label, "login")
	if err != nil {
		return
	}
	RespondSuccess(c, http.StatusOK, CredentialResponse{
		Token:     issued.Token,
		TokenInfo: issued.Credential.Info(),
	}, "logged in")
}

func (h *AuthHandler) issue(c *gin.Context, acct account.Account, deviceType, label, reason string) (auth.Issued, error) {
	issued, err := h.manager.Issue(c.Request.Context(), auth.IssueRequest{
		AccountID:  acct.ID,
		Username:   acct.Username,
		Label:      label,
		DeviceType: deviceType,
		Reason:     reason,
	})
	if err != nil {
		h.logger.ErrorTag(logging.TagAuth, "issue credential for %s: %v", acct.Username, err)
		RespondError(c, http.StatusInternalServerError, "could not issue credential", nil)
		return auth.Issued{}, err
	}
	h.logger.InfoTag(logging.TagAuth, "issued credential %s to %s (%s)", issued.Credential.ID, acct.Username, reason)
	return issued, nil
}

// ValidateResponse answers GET /api/auth/validate.
type ValidateResponse struct {
	Valid     bool               `json:"valid"`
	TokenInfo protocol.TokenInfo `json:"token_info"`
}

// Validate confirms the bearer credential. Rejections are answered by the
// credential middleware with 401.
func (h *AuthHandler) Validate(c *gin.Context) {
	cred, _ := CredentialFrom(c)
	RespondSuccess(c, http.StatusOK, ValidateResponse{Valid: true, TokenInfo: cred.Info()}, "")
}

// Refresh supersedes the bearer credential with a new one.
func (h *AuthHandler) Refresh(c *gin.Context) {
	bearer := c.GetString(bearerKey)
	issued, err := h.manager.Refresh(c.Request.Context(), bearer)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredential) || errors.Is(err, auth.ErrCredentialExpired) || errors.Is(err, auth.ErrCredentialRevoked) {
			RespondError(c, http.StatusUnauthorized, rejectionMessage(err), nil)
			return
		}
		h.logger.ErrorTag(logging.TagAuth, "refresh: %v", err)
		RespondError(c, http.StatusInternalServerError, "refresh failed", nil)
		return
	}
	RespondSuccess(c, http.StatusOK, CredentialResponse{
		Token:     issued.Token,
		TokenInfo: issued.Credential.Info(),
	}, "credential refreshed")
}

// LoginPage renders the browser login form used by the interactive flow.
func (h *AuthHandler) LoginPage(c *gin.Context) {
	page := loginPage{
		Callback:   c.Query("callback"),
		State:      c.Query("state"),
		DeviceType: c.Query("device_type"),
		Label:      c.Query("label"),
	}
	if _, ok := loopbackCallback(page.Callback); !ok || page.State == "" {
		c.String(http.StatusBadRequest, "login requires a loopback callback and a state")
		return
	}
	c.HTML(http.StatusOK, "login.html", page)
}

// LoginSubmit checks the form and redirects the browser to the client's
// callback with the credential, or with an error when the user cancels.
// Wrong passwords re-render the form so the user can retry.
func (h *AuthHandler) LoginSubmit(c *gin.Context) {
	page := loginPage{
		Callback:   c.PostForm("callback"),
		State:      c.PostForm("state"),
		DeviceType: c.PostForm("device_type"),
		Label:      c.PostForm("label"),
		Username:   c.PostForm("username"),
	}
	callback, ok := loopbackCallback(page.Callback)
	if !ok || page.State == "" {
		c.String(http.StatusBadRequest, "login requires a loopback callback and a state")
		return
	}

	query := callback.Query()
	query.Set("state", page.State)

	if c.PostForm("action") == "cancel" {
		query.Set("error", "login cancelled by user")
		callback.RawQuery = query.Encode()
		c.Redirect(http.StatusFound, callback.String())
		return
	}

	acct, err := h.accounts.Authenticate(c.Request.Context(), page.Username, c.PostForm("password"))
	if errors.Is(err, account.ErrInvalidCredentials) {
		page.Error = err.Error()
		c.HTML(http.StatusUnauthorized, "login.html", page)
		return
	}
	if err != nil {
		h.logger.ErrorTag(logging.TagAuth, "browser login %s: %v", page.Username, err)
		page.Error = "login failed, try again"
		c.HTML(http.StatusInternalServerError, "login.html", page)
		return
	}

	issued, err := h.manager.Issue(c.Request.Context(), auth.IssueRequest{
		AccountID:  acct.ID,
		Username:   acct.Username,
		Label:      page.Label,
		DeviceType: page.DeviceType,
		Reason:     "login",
	})
	if err != nil {
		h.logger.ErrorTag(logging.TagAuth, "issue credential for %s: %v", acct.Username, err)
		query.Set("error", "could not issue credential")
		callback.RawQuery = query.Encode()
		c.Redirect(http.StatusFound, callback.String())
		return
	}

	info, err := protocol.EncodeTokenInfo(issued.Credential.Info())
	if err != nil {
		query.Set("error", "could not encode credential")
	} else {
		query.Set("token", issued.Token)
		query.Set("token_info", info)
	}
	callback.RawQuery = query.Encode()
	h.logger.InfoTag(logging.TagAuth, "browser login for %s issued credential %s", acct.Username, issued.Credential.ID)
	c.Redirect(http.StatusFound, callback.String())
}
