// Package service implements the token lifecycle: login, rotation-on-refresh,
// revocation, and global invalidation.
package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"jobblog/backend/internal/audit"
	"jobblog/backend/internal/oauth"
	"jobblog/backend/internal/security"
	sessiondomain "jobblog/backend/internal/session/domain"
	sessionrepo "jobblog/backend/internal/session/repository"
	"jobblog/backend/internal/telemetry"
	userdomain "jobblog/backend/internal/user/domain"
)

// Sentinel errors; the handler maps them to HTTP statuses.
var (
	// ErrUnauthorized covers every credential failure: malformed or tampered
	// tokens, stale versions, unknown/revoked/expired sessions, hash
	// mismatches, reuse. Deliberately coarse so callers cannot distinguish
	// which check failed.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrUserNotFound is returned by operations addressed to a user id that
	// does not exist.
	ErrUserNotFound = errors.New("user not found")
)

// errReuseDetected aborts a rotation transaction when the presented token's
// session is already revoked or expired. Internal only; callers see ErrUnauthorized.
var errReuseDetected = errors.New("refresh token reuse detected")

const eventSource = "auth-service"

// TokenPair is one issued access/refresh credential pair.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// GoogleAuthenticator resolves an authorization code to a Google profile.
type GoogleAuthenticator interface {
	Authenticate(ctx context.Context, code string) (*oauth.UserInfo, error)
}

// UserRepo is the minimal user repository needed by the token service.
type UserRepo interface {
	GetByID(ctx context.Context, id int64) (*userdomain.User, error)
	GetByProvider(ctx context.Context, provider userdomain.Provider, providerID string) (*userdomain.User, error)
	Create(ctx context.Context, u *userdomain.User) error
	BumpTokenVersion(ctx context.Context, id int64) (int, error)
}

// SessionRepo is the minimal session repository needed by the token service.
type SessionRepo interface {
	Create(ctx context.Context, s *sessiondomain.Session) error
	GetBySessionID(ctx context.Context, sessionID string) (*sessiondomain.Session, error)
	Rotate(ctx context.Context, sessionID string, decide sessionrepo.RotateFunc) error
	RevokeBySessionID(ctx context.Context, sessionID string) (int64, error)
	BulkRevokeByUser(ctx context.Context, userID int64) (int64, error)
}

// TokenService owns issuance, rotation, revocation, and global invalidation of
// token pairs, backed by server-side session rows.
type TokenService struct {
	users    UserRepo
	sessions SessionRepo
	tokens   *security.TokenProvider
	hasher   *security.RefreshHasher
	google   GoogleAuthenticator
	audit    audit.AuditLogger
	events   telemetry.EventEmitter
	logger   *zap.Logger

	// revokeFamilyOnReuse escalates reuse detection to revoking every live
	// session of the user, not just rejecting the request.
	revokeFamilyOnReuse bool
	now                 func() time.Time
}

// NewTokenService returns a TokenService with the given dependencies.
// audit and events may be nil; logger must not be.
func NewTokenService(
	users UserRepo,
	sessions SessionRepo,
	tokens *security.TokenProvider,
	hasher *security.RefreshHasher,
	google GoogleAuthenticator,
	auditLog audit.AuditLogger,
	events telemetry.EventEmitter,
	logger *zap.Logger,
	revokeFamilyOnReuse bool,
) *TokenService {
	return &TokenService{
		users:               users,
		sessions:            sessions,
		tokens:              tokens,
		hasher:              hasher,
		google:              google,
		audit:               auditLog,
		events:              events,
		logger:              logger,
		revokeFamilyOnReuse: revokeFamilyOnReuse,
		now:                 time.Now,
	}
}

// WithClock overrides the clock. Test hook.
func (s *TokenService) WithClock(now func() time.Time) *TokenService {
	s.now = now
	return s
}

// LoginWithGoogle exchanges the Google authorization code, finds or registers
// the account, and starts a fresh session chain.
func (s *TokenService) LoginWithGoogle(ctx context.Context, code string) (*TokenPair, error) {
	info, err := s.google.Authenticate(ctx, code)
	if err != nil {
		s.logger.Warn("google code exchange failed", zap.Error(err))
		return nil, ErrUnauthorized
	}
	user, err := s.users.GetByProvider(ctx, userdomain.ProviderGoogle, info.ID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		user = &userdomain.User{
			Email:      info.Email,
			Name:       info.Name,
			Provider:   userdomain.ProviderGoogle,
			ProviderID: info.ID,
			CreatedAt:  s.now().UTC(),
		}
		if err := user.Validate(); err != nil {
			return nil, err
		}
		if err := s.users.Create(ctx, user); err != nil {
			return nil, err
		}
		s.logger.Info("registered user", zap.Int64("user_id", user.ID))
	}
	return s.startSession(ctx, user)
}

// startSession mints a token pair at chain depth 1 and persists the session row.
func (s *TokenService) startSession(ctx context.Context, user *userdomain.User) (*TokenPair, error) {
	accessToken, err := s.tokens.IssueAccess(user.ID, user.TokenVersion)
	if err != nil {
		return nil, err
	}
	refreshToken, sessionID, err := s.tokens.IssueRefresh(user.ID, user.TokenVersion, 1)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	sess := &sessiondomain.Session{
		SessionID:      sessionID,
		UserID:         user.ID,
		RefreshHash:    s.hasher.Hash(refreshToken),
		IssuedAt:       now,
		ExpiresAt:      now.Add(s.tokens.RefreshTTL()),
		SessionVersion: 1,
	}
	if err := s.sessions.Create(ctx, sess); err != nil {
		return nil, err
	}
	if s.audit != nil {
		s.audit.LogEvent(ctx, user.ID, audit.ActionLogin, audit.ResourceSession, sessionID)
	}
	telemetry.EmitAsync(s.events, &telemetry.Event{
		EventType: audit.ActionLogin,
		UserID:    user.ID,
		SessionID: sessionID,
		Source:    eventSource,
		CreatedAt: now,
	})
	return &TokenPair{AccessToken: accessToken, RefreshToken: refreshToken}, nil
}

// Refresh validates the presented refresh token against its session row,
// rotates the pair, and single-uses the old session. The session row is
// exclusively locked for the whole check-and-replace, so a concurrent refresh
// of the same token serializes behind the winner and is rejected as reuse.
func (s *TokenService) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, err := s.tokens.VerifyRefresh(refreshToken)
	if err != nil {
		return nil, ErrUnauthorized
	}
	user, err := s.users.GetByID(ctx, claims.UserID)
	if err != nil {
		return nil, err
	}
	if user == nil || user.TokenVersion != claims.UserVersion {
		return nil, ErrUnauthorized
	}

	var pair *TokenPair
	var newSessionID string
	var depth int
	err = s.sessions.Rotate(ctx, claims.SessionID, func(current *sessiondomain.Session) (*sessiondomain.Session, error) {
		if current == nil {
			return nil, ErrUnauthorized
		}
		if !s.hasher.Equal(refreshToken, current.RefreshHash) {
			return nil, ErrUnauthorized
		}
		now := s.now().UTC()
		if current.Revoked || current.Expired(now) {
			return nil, errReuseDetected
		}
		if current.SessionVersion != claims.SessionVersion {
			return nil, ErrUnauthorized
		}

		accessToken, err := s.tokens.IssueAccess(user.ID, user.TokenVersion)
		if err != nil {
			return nil, err
		}
		nextRefresh, nextSessionID, err := s.tokens.IssueRefresh(user.ID, user.TokenVersion, current.SessionVersion+1)
		if err != nil {
			return nil, err
		}
		pair = &TokenPair{AccessToken: accessToken, RefreshToken: nextRefresh}
		newSessionID = nextSessionID
		depth = current.SessionVersion + 1
		return &sessiondomain.Session{
			SessionID:      nextSessionID,
			UserID:         user.ID,
			RefreshHash:    s.hasher.Hash(nextRefresh),
			IssuedAt:       now,
			ExpiresAt:      now.Add(s.tokens.RefreshTTL()),
			SessionVersion: current.SessionVersion + 1,
		}, nil
	})
	if err != nil {
		if errors.Is(err, errReuseDetected) {
			s.handleReuse(ctx, user.ID, claims.SessionID)
			return nil, ErrUnauthorized
		}
		if errors.Is(err, sessionrepo.ErrRowVersionConflict) {
			// Lost a concurrent rotation after the lock was released; the
			// surviving chain already moved on.
			return nil, ErrUnauthorized
		}
		if errors.Is(err, ErrUnauthorized) {
			return nil, ErrUnauthorized
		}
		return nil, err
	}

	if s.audit != nil {
		s.audit.LogEvent(ctx, user.ID, audit.ActionRefresh, audit.ResourceSession, newSessionID)
	}
	telemetry.EmitAsync(s.events, &telemetry.Event{
		EventType: audit.ActionRefresh,
		UserID:    user.ID,
		SessionID: newSessionID,
		Source:    eventSource,
		Metadata:  map[string]string{"chain_depth": strconv.Itoa(depth)},
		CreatedAt: s.now().UTC(),
	})
	return pair, nil
}

// handleReuse records a reuse detection and, when configured, revokes every
// live session of the user.
func (s *TokenService) handleReuse(ctx context.Context, userID int64, sessionID string) {
	s.logger.Warn("refresh token reuse detected",
		zap.Int64("user_id", userID),
		zap.String("session_id", sessionID),
	)
	var revoked int64
	if s.revokeFamilyOnReuse {
		n, err := s.sessions.BulkRevokeByUser(ctx, userID)
		if err != nil {
			s.logger.Error("revoke sessions after reuse", zap.Int64("user_id", userID), zap.Error(err))
		} else {
			revoked = n
		}
	}
	if s.audit != nil {
		s.audit.LogEvent(ctx, userID, audit.ActionReuseDetected, audit.ResourceSession, sessionID)
	}
	telemetry.EmitAsync(s.events, &telemetry.Event{
		EventType: audit.ActionReuseDetected,
		UserID:    userID,
		SessionID: sessionID,
		Source:    eventSource,
		Metadata:  map[string]string{"sessions_revoked": strconv.FormatInt(revoked, 10)},
		CreatedAt: s.now().UTC(),
	})
}

// Logout revokes the session named by the refresh token. Only structural
// validity is required; a revoked or expired (but well-formed) token still
// names its session, and revoking an already-revoked session succeeds.
func (s *TokenService) Logout(ctx context.Context, refreshToken string) error {
	claims, err := s.tokens.VerifyRefresh(refreshToken)
	if err != nil {
		return ErrUnauthorized
	}
	sess, err := s.sessions.GetBySessionID(ctx, claims.SessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		return ErrUnauthorized
	}
	if _, err := s.sessions.RevokeBySessionID(ctx, claims.SessionID); err != nil {
		return err
	}
	if s.audit != nil {
		s.audit.LogEvent(ctx, sess.UserID, audit.ActionLogout, audit.ResourceSession, claims.SessionID)
	}
	telemetry.EmitAsync(s.events, &telemetry.Event{
		EventType: audit.ActionLogout,
		UserID:    sess.UserID,
		SessionID: claims.SessionID,
		Source:    eventSource,
		CreatedAt: s.now().UTC(),
	})
	return nil
}

// InvalidateAll bumps the user's token version and revokes every live session,
// killing all outstanding access and refresh tokens at once.
func (s *TokenService) InvalidateAll(ctx context.Context, userID int64) error {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	if user == nil {
		return ErrUserNotFound
	}
	newVersion, err := s.users.BumpTokenVersion(ctx, userID)
	if err != nil {
		return fmt.Errorf("bump token version: %w", err)
	}
	revoked, err := s.sessions.BulkRevokeByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("bulk revoke sessions: %w", err)
	}
	s.logger.Info("invalidated all tokens",
		zap.Int64("user_id", userID),
		zap.Int("token_version", newVersion),
		zap.Int64("sessions_revoked", revoked),
	)
	if s.audit != nil {
		s.audit.LogEvent(ctx, userID, audit.ActionInvalidateAll, audit.ResourceSession,
			"revoked="+strconv.FormatInt(revoked, 10))
	}
	telemetry.EmitAsync(s.events, &telemetry.Event{
		EventType: audit.ActionInvalidateAll,
		UserID:    userID,
		Source:    eventSource,
		Metadata: map[string]string{
			"token_version":    strconv.Itoa(newVersion),
			"sessions_revoked": strconv.FormatInt(revoked, 10),
		},
		CreatedAt: s.now().UTC(),
	})
	return nil
}

// VerifyAccess checks an access token's signature, expiry, and user version
// against the current account state, and returns the account.
func (s *TokenService) VerifyAccess(ctx context.Context, accessToken string) (*userdomain.User, error) {
	at, err := s.tokens.VerifyAccess(accessToken)
	if err != nil {
		return nil, ErrUnauthorized
	}
	user, err := s.users.GetByID(ctx, at.UserID)
	if err != nil {
		return nil, err
	}
	if user == nil || user.TokenVersion != at.UserVersion {
		return nil, ErrUnauthorized
	}
	return user, nil
}
