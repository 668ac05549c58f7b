// Package account registers users and checks their passwords.
package account

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	platformerrors "m-sync-go/internal/platform/errors"
)

var (
	ErrNotFound           = errors.New("account not found")
	ErrUsernameTaken      = errors.New("username already registered")
	ErrInvalidCredentials = errors.New("invalid username or password")
)

const minPasswordLength = 8

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{3,32}$`)

// Account is a registered user.
type Account struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
}

// Repository persists accounts.
type Repository interface {
	Create(ctx context.Context, account Account, passwordHash string) error
	FindByUsername(ctx context.Context, username string) (Account, string, error)
	FindByID(ctx context.Context, id string) (Account, error)
}

// Logger is the logging contract of the account domain.
type Logger interface {
	Info(format string, args ...any)
	Warn(format string, args ...any)
}

// Service implements registration and password login.
type Service struct {
	repo   Repository
	logger Logger
	cost   int
	now    func() time.Time
}

// NewService builds an account service. cost <= 0 uses bcrypt.DefaultCost.
func NewService(repo Repository, logger Logger, cost int) *Service {
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	return &Service{repo: repo, logger: logger, cost: cost, now: time.Now}
}

// Register creates an account. Usernames are compared case-insensitively.
func (s *Service) Register(ctx context.Context, username, password string) (Account, error) {
	username = normalizeUsername(username)
	if !usernamePattern.MatchString(username) {
		return Account{}, platformerrors.Mark(platformerrors.ErrValidationRejected,
			fmt.Errorf("username must be 3-32 characters of letters, digits, '.', '_' or '-'"))
	}
	if len(password) < minPasswordLength {
		return Account{}, platformerrors.Mark(platformerrors.ErrValidationRejected,
			fmt.Errorf("password must be at least %d characters", minPasswordLength))
	}

	if _, _, err := s.repo.FindByUsername(ctx, username); err == nil {
		return Account{}, ErrUsernameTaken
	} else if !errors.Is(err, ErrNotFound) {
		return Account{}, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return Account{}, platformerrors.Wrap(platformerrors.KindDomain, "account.register", "hash password", err)
	}

	account := Account{
		ID:        uuid.NewString(),
		Username:  username,
		CreatedAt: s.now().UTC(),
	}
	if err := s.repo.Create(ctx, account, string(hash)); err != nil {
		return Account{}, err
	}
	if s.logger != nil {
		s.logger.Info("account %s registered", username)
	}
	return account, nil
}

// Authenticate checks a username/password pair.
func (s *Service) Authenticate(ctx context.Context, username, password string) (Account, error) {
	account, hash, err := s.repo.FindByUsername(ctx, normalizeUsername(username))
	if errors.Is(err, ErrNotFound) {
		return Account{}, ErrInvalidCredentials
	}
	if err != nil {
		return Account{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		if s.logger != nil {
			s.logger.Warn("failed login for %s", account.Username)
		}
		return Account{}, ErrInvalidCredentials
	}
	return account, nil
}

// Get returns the account with id.
func (s *Service) Get(ctx context.Context, id string) (Account, error) {
	return s.repo.FindByID(ctx, id)
}

func normalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}
