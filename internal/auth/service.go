// Package auth implements user accounts, JWT issuance and role checks.
package auth

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/fyrsmithlabs/archon/internal/catalog"
)

// Roles in descending privilege. Each role implies the ones below it.
const (
	RoleAdmin   = "admin"
	RoleAnalyst = "analyst"
	RoleViewer  = "viewer"
)

var roleLevels = map[string]int{
	RoleAdmin:   3,
	RoleAnalyst: 2,
	RoleViewer:  1,
}

// ErrBadCredentials is returned for unknown users and wrong passwords
// alike, deliberately indistinguishable.
var ErrBadCredentials = errors.New("auth: invalid credentials")

// ErrUsernameTaken is returned when registering an existing username.
var ErrUsernameTaken = errors.New("auth: username already taken")

// ErrRegistrationClosed is returned when a non-admin attempts to
// register after bootstrap.
var ErrRegistrationClosed = errors.New("auth: registration requires an administrator")

// RoleAtLeast reports whether role meets the required privilege.
func RoleAtLeast(role, required string) bool {
	return roleLevels[role] >= roleLevels[required]
}

// ValidRole reports whether role is one of the known roles.
func ValidRole(role string) bool {
	_, ok := roleLevels[role]
	return ok
}

// Service manages accounts on the catalog store.
type Service struct {
	store  *catalog.Store
	issuer *TokenIssuer
	log    *zap.Logger
}

// NewService builds the account service.
func NewService(store *catalog.Store, issuer *TokenIssuer, log *zap.Logger) *Service {
	return &Service{store: store, issuer: issuer, log: log.Named("auth")}
}

// Register creates an account. The very first account becomes admin and
// may be created unauthenticated; afterwards only admins register
// users (callerIsAdmin). The requested role is ignored for the
// bootstrap account.
func (s *Service) Register(ctx context.Context, username, password, role string, callerIsAdmin bool) (*catalog.User, error) {
	if username == "" || len(password) < 8 {
		return nil, fmt.Errorf("auth: username required and password must be at least 8 characters")
	}

	count, err := s.store.CountUsers(ctx)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		role = RoleAdmin
	} else {
		if !callerIsAdmin {
			return nil, ErrRegistrationClosed
		}
		if role == "" {
			role = RoleViewer
		}
		if !ValidRole(role) {
			return nil, fmt.Errorf("auth: unknown role %q", role)
		}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("auth: hashing password: %w", err)
	}

	user, err := s.store.CreateUser(ctx, username, string(hash), role)
	if errors.Is(err, catalog.ErrDuplicate) {
		return nil, ErrUsernameTaken
	}
	if err != nil {
		return nil, err
	}
	s.log.Info("user registered", zap.String("username", username), zap.String("role", role))
	return user, nil
}

// Login checks credentials and issues a token pair.
func (s *Service) Login(ctx context.Context, username, password string) (*TokenPair, *catalog.User, error) {
	user, err := s.store.GetUserByName(ctx, username)
	if errors.Is(err, catalog.ErrNotFound) {
		// Burn comparable time so missing users are not detectable.
		_ = bcrypt.CompareHashAndPassword([]byte("$2a$10$0000000000000000000000uG6dCLkzgYwCN6iyOawGsXAJbBMZk2y"), []byte(password))
		return nil, nil, ErrBadCredentials
	}
	if err != nil {
		return nil, nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, nil, ErrBadCredentials
	}

	pair, err := s.issuer.Issue(user.ID, user.Username, user.Role)
	if err != nil {
		return nil, nil, err
	}
	return pair, user, nil
}

// Refresh exchanges a valid refresh token for a fresh pair.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, err := s.issuer.Verify(refreshToken, TokenRefresh)
	if err != nil {
		return nil, err
	}
	// Re-read the user so revoked accounts and role changes take effect.
	user, err := s.store.GetUser(ctx, claims.UserID())
	if errors.Is(err, catalog.ErrNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, err
	}
	return s.issuer.Issue(user.ID, user.Username, user.Role)
}

// VerifyAccess validates an access token.
func (s *Service) VerifyAccess(tokenString string) (*Claims, error) {
	return s.issuer.Verify(tokenString, TokenAccess)
}

// UserCount exposes the account count for the bootstrap flow.
func (s *Service) UserCount(ctx context.Context) (int, error) {
	return s.store.CountUsers(ctx)
}
