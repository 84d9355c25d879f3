package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Default token lifetimes.
const (
	DefaultAccessTTL  = 24 * time.Hour
	DefaultRefreshTTL = 7 * 24 * time.Hour
)

// refreshClass tags refresh tokens. Access tokens carry no class.
const refreshClass = "refresh"

// minSecretLength matches the configuration check on security.jwt.secret.
const minSecretLength = 32

// Claims is the JWT payload for both token classes.
type Claims struct {
	jwt.RegisteredClaims
	Class      string `json:"typ,omitempty"`
	Generation int64  `json:"gen,omitempty"`
}

// TokenPair is the credential pair handed to a client after login or refresh.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	TokenType        string    `json:"token_type"`
	ExpiresIn        int64     `json:"expires_in"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// RefreshClaims is the verified content of a refresh token.
type RefreshClaims struct {
	PrincipalID string
	Generation  int64
	TokenID     string
	ExpiresAt   time.Time
}

// TokenService issues and verifies HS256-signed access and refresh tokens.
// Verification is pure and safe for concurrent use.
type TokenService struct {
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// TokenOption configures a TokenService.
type TokenOption func(*TokenService)

// WithAccessTTL sets the access token lifetime. Non-positive values are ignored.
func WithAccessTTL(d time.Duration) TokenOption {
	return func(s *TokenService) {
		if d > 0 {
			s.accessTTL = d
		}
	}
}

// WithRefreshTTL sets the refresh token lifetime. Non-positive values are ignored.
func WithRefreshTTL(d time.Duration) TokenOption {
	return func(s *TokenService) {
		if d > 0 {
			s.refreshTTL = d
		}
	}
}

// WithIssuer sets the iss claim and requires it on verification.
func WithIssuer(iss string) TokenOption {
	return func(s *TokenService) { s.issuer = iss }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) TokenOption {
	return func(s *TokenService) {
		if now != nil {
			s.now = now
		}
	}
}

// NewTokenService creates a token service signing with secret.
func NewTokenService(secret string, opts ...TokenOption) (*TokenService, error) {
	if len(secret) < minSecretLength {
		return nil, fmt.Errorf("%w: signing secret must be at least %d characters", ErrInvalidInput, minSecretLength)
	}
	s := &TokenService{
		secret:     []byte(secret),
		accessTTL:  DefaultAccessTTL,
		refreshTTL: DefaultRefreshTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// AccessTTL returns the configured access token lifetime.
func (s *TokenService) AccessTTL() time.Duration { return s.accessTTL }

// IssueTokenPair signs a fresh access/refresh pair for principalID.
func (s *TokenService) IssueTokenPair(principalID string) (TokenPair, error) {
	return s.IssueTokenPairAt(principalID, 0)
}

// IssueTokenPairAt signs a pair whose refresh half carries generation.
func (s *TokenService) IssueTokenPairAt(principalID string, generation int64) (TokenPair, error) {
	if principalID == "" {
		return TokenPair{}, fmt.Errorf("%w: principal id is required", ErrInvalidInput)
	}

	now := s.now()
	accessExp := now.Add(s.accessTTL)
	refreshExp := now.Add(s.refreshTTL)

	access, err := s.sign(Claims{RegisteredClaims: s.registered(principalID, now, accessExp)})
	if err != nil {
		return TokenPair{}, fmt.Errorf("signing access token: %w", err)
	}
	refresh, err := s.sign(Claims{
		RegisteredClaims: s.registered(principalID, now, refreshExp),
		Class:            refreshClass,
		Generation:       generation,
	})
	if err != nil {
		return TokenPair{}, fmt.Errorf("signing refresh token: %w", err)
	}

	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		TokenType:        "Bearer",
		ExpiresIn:        int64(s.accessTTL.Seconds()),
		AccessExpiresAt:  accessExp.UTC().Truncate(time.Second),
		RefreshExpiresAt: refreshExp.UTC().Truncate(time.Second),
	}, nil
}

// VerifyAccessToken validates an access token and returns its principal ID.
func (s *TokenService) VerifyAccessToken(token string) (string, error) {
	claims, err := s.parse(token)
	if err != nil {
		return "", err
	}
	if claims.Class != "" {
		return "", ErrWrongTokenClass
	}
	return claims.Subject, nil
}

// VerifyRefreshToken validates a refresh token.
func (s *TokenService) VerifyRefreshToken(token string) (*RefreshClaims, error) {
	claims, err := s.parse(token)
	if err != nil {
		return nil, err
	}
	if claims.Class != refreshClass {
		return nil, ErrWrongTokenClass
	}

	rc := &RefreshClaims{
		PrincipalID: claims.Subject,
		Generation:  claims.Generation,
		TokenID:     claims.ID,
	}
	if claims.ExpiresAt != nil {
		rc.ExpiresAt = claims.ExpiresAt.Time
	}
	return rc, nil
}

// Refresh validates a refresh token and issues a new pair carrying the same
// generation. Superseded tokens stay valid until they expire.
func (s *TokenService) Refresh(refreshToken string) (TokenPair, error) {
	rc, err := s.VerifyRefreshToken(refreshToken)
	if err != nil {
		return TokenPair{}, err
	}
	return s.IssueTokenPairAt(rc.PrincipalID, rc.Generation)
}

func (s *TokenService) registered(subject string, now, exp time.Time) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    s.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
		ID:        uuid.NewString(),
	}
}

func (s *TokenService) sign(c Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.secret)
}

// parse checks signature, algorithm, expiry and issuer. Expiry is reported
// as ErrTokenExpired only once the signature has been verified.
func (s *TokenService) parse(token string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(_ *jwt.Token) (any, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %w", ErrTokenMalformed, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrTokenMalformed
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrTokenMalformed)
	}
	if claims.Class != "" && claims.Class != refreshClass {
		return nil, fmt.Errorf("%w: unknown token class %q", ErrTokenMalformed, claims.Class)
	}
	return claims, nil
}
