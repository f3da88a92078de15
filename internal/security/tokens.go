package security

import (
	"errors"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrInvalidToken is returned when a token is malformed, expired, tampered with,
	// or signed with the wrong key or algorithm. Callers treat it uniformly as
	// "not authenticated" and never branch on the underlying cause.
	ErrInvalidToken = errors.New("invalid token")
)

const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

// Claims holds the JWT claims carried by both token types. The jti registered
// claim doubles as the session id on refresh tokens.
type Claims struct {
	jwt.RegisteredClaims
	TokenType      string `json:"token_type"`
	UserVersion    int    `json:"uver"`
	SessionVersion int    `json:"sver,omitempty"`
}

// AccessToken is the verified content of an access token.
type AccessToken struct {
	UserID      int64
	UserVersion int
}

// RefreshToken is the verified content of a refresh token.
type RefreshToken struct {
	UserID         int64
	UserVersion    int
	SessionVersion int
	SessionID      string
}

// TokenProvider issues and verifies HS256 access and refresh tokens. The two
// token types are signed with distinct secrets so one verification key cannot
// forge the other type.
type TokenProvider struct {
	accessSecret  []byte
	refreshSecret []byte
	issuer        string
	accessTTL     time.Duration
	refreshTTL    time.Duration
	now           func() time.Time
}

// NewTokenProvider returns a TokenProvider signing with the given secrets.
// The secrets must be non-empty and distinct.
func NewTokenProvider(accessSecret, refreshSecret []byte, issuer string, accessTTL, refreshTTL time.Duration) (*TokenProvider, error) {
	if len(accessSecret) == 0 || len(refreshSecret) == 0 {
		return nil, errors.New("security: access and refresh secrets are required")
	}
	if string(accessSecret) == string(refreshSecret) {
		return nil, errors.New("security: access and refresh secrets must differ")
	}
	if accessTTL <= 0 || refreshTTL <= 0 {
		return nil, errors.New("security: token TTLs must be positive")
	}
	return &TokenProvider{
		accessSecret:  accessSecret,
		refreshSecret: refreshSecret,
		issuer:        issuer,
		accessTTL:     accessTTL,
		refreshTTL:    refreshTTL,
		now:           time.Now,
	}, nil
}

// WithClock overrides the provider's clock. Test hook; returns the receiver.
func (p *TokenProvider) WithClock(now func() time.Time) *TokenProvider {
	p.now = now
	return p
}

// RefreshTTL returns the refresh token lifetime; session rows share this expiry.
func (p *TokenProvider) RefreshTTL() time.Duration {
	return p.refreshTTL
}

// IssueAccess issues a short-lived access token carrying the user id and the
// user's current token version.
func (p *TokenProvider) IssueAccess(userID int64, userVersion int) (string, error) {
	now := p.now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(userID, 10),
			Issuer:    p.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(p.accessTTL)),
		},
		TokenType:   tokenTypeAccess,
		UserVersion: userVersion,
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString(p.accessSecret)
}

// IssueRefresh issues a long-lived refresh token with a fresh session id (jti)
// and the given session version (chain depth). Returns the token and its
// session id; the caller must persist a session row keyed by that id.
func (p *TokenProvider) IssueRefresh(userID int64, userVersion, sessionVersion int) (token, sessionID string, err error) {
	sessionID = uuid.New().String()
	now := p.now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        sessionID,
			Subject:   strconv.FormatInt(userID, 10),
			Issuer:    p.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(p.refreshTTL)),
		},
		TokenType:      tokenTypeRefresh,
		UserVersion:    userVersion,
		SessionVersion: sessionVersion,
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token, err = t.SignedString(p.refreshSecret)
	if err != nil {
		return "", "", err
	}
	return token, sessionID, nil
}

// VerifyAccess parses and validates an access token (signature, exp, iss, type
// discriminator). Any failure yields ErrInvalidToken.
func (p *TokenProvider) VerifyAccess(tokenString string) (*AccessToken, error) {
	claims, err := p.parse(tokenString, p.accessSecret, tokenTypeAccess)
	if err != nil {
		return nil, ErrInvalidToken
	}
	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return nil, ErrInvalidToken
	}
	return &AccessToken{UserID: userID, UserVersion: claims.UserVersion}, nil
}

// VerifyRefresh parses and validates a refresh token. The session id (jti) and
// session version must be present; any failure yields ErrInvalidToken.
func (p *TokenProvider) VerifyRefresh(tokenString string) (*RefreshToken, error) {
	claims, err := p.parse(tokenString, p.refreshSecret, tokenTypeRefresh)
	if err != nil {
		return nil, ErrInvalidToken
	}
	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return nil, ErrInvalidToken
	}
	if claims.ID == "" || claims.SessionVersion < 1 {
		return nil, ErrInvalidToken
	}
	return &RefreshToken{
		UserID:         userID,
		UserVersion:    claims.UserVersion,
		SessionVersion: claims.SessionVersion,
		SessionID:      claims.ID,
	}, nil
}

func (p *TokenProvider) parse(tokenString string, secret []byte, wantType string) (*Claims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(p.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return p.now() }),
	)
	token, err := parser.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.TokenType != wantType {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
