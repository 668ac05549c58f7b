package httptransport

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"m-sync-go/internal/domain/auth"
	"m-sync-go/internal/domain/auth/model"
	"m-sync-go/internal/platform/logging"
	"m-sync-go/internal/platform/observability"
)

const (
	credentialKey = "msync.credential"
	bearerKey     = "msync.bearer"
)

// Verifier checks a bearer credential.
type Verifier interface {
	Verify(ctx context.Context, token string) (model.Credential, error)
}

// BearerToken returns the credential of an "Authorization: Bearer" header.
func BearerToken(req *http.Request) string {
	scheme, token, ok := strings.Cut(req.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// RequireCredential rejects requests without a valid bearer credential and
// stores the verified record on the context.
func RequireCredential(verifier Verifier, logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := BearerToken(c.Request)
		if token == "" {
			observability.AuthRejections.WithLabelValues("http").Inc()
			AbortWithError(c, http.StatusUnauthorized, "missing bearer credential")
			return
		}

		cred, err := verifier.Verify(c.Request.Context(), token)
		if err != nil {
			observability.AuthRejections.WithLabelValues("http").Inc()
			logger.WarnTag(logging.TagAuth, "%s %s rejected: %v", c.Request.Method, c.Request.URL.Path, err)
			AbortWithError(c, http.StatusUnauthorized, rejectionMessage(err))
			return
		}

		c.Set(credentialKey, cred)
		c.Set(bearerKey, token)
		c.Next()
	}
}

func rejectionMessage(err error) string {
	switch {
	case errors.Is(err, auth.ErrCredentialExpired):
		return "credential expired"
	case errors.Is(err, auth.ErrCredentialRevoked):
		return "credential revoked"
	default:
		return "invalid credential"
	}
}

// CredentialFrom returns the credential stored by RequireCredential.
func CredentialFrom(c *gin.Context) (model.Credential, bool) {
	value, ok := c.Get(credentialKey)
	if !ok {
		return model.Credential{}, false
	}
	cred, ok := value.(model.Credential)
	return cred, ok
}

// RequireCapability rejects credentials that do not grant capability.
func RequireCapability(capability model.Capability) gin.HandlerFunc {
	return func(c *gin.Context) {
		cred, ok := CredentialFrom(c)
		if !ok {
			AbortWithError(c, http.StatusUnauthorized, "missing bearer credential")
			return
		}
		if !cred.Has(capability) {
			AbortWithError(c, http.StatusForbidden, "credential lacks "+string(capability)+" capability")
			return
		}
		c.Next()
	}
}

// AccountLimiter keeps one token bucket per account.
type AccountLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewAccountLimiter allows perSecond requests per account with burst. A
// non-positive rate disables limiting.
func NewAccountLimiter(perSecond float64, burst int) *AccountLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &AccountLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Allow reports whether the account may make one more request now.
func (l *AccountLimiter) Allow(accountID string) bool {
	if l == nil || l.limit <= 0 {
		return true
	}

	l.mu.Lock()
	limiter, ok := l.limiters[accountID]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[accountID] = limiter
	}
	l.mu.Unlock()

	return limiter.Allow()
}

// RateLimit answers 429 once the account exhausts its bucket.
func RateLimit(limiter *AccountLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		cred, ok := CredentialFrom(c)
		if ok && !limiter.Allow(cred.AccountID) {
			AbortWithError(c, http.StatusTooManyRequests, "publish rate exceeded")
			return
		}
		c.Next()
	}
}
