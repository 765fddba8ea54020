package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"study-sync-service/internal/domain"
)

const (
	AccessTokenDuration  = time.Hour
	RefreshTokenDuration = 30 * 24 * time.Hour

	tokenAccess  = "access"
	tokenRefresh = "refresh"
)

// Claims are the HS256 claims carried by session tokens.
type Claims struct {
	Email string `json:"email,omitempty"`
	Type  string `json:"typ"`
	jwt.RegisteredClaims
}

// TokenPair is what the provider hands back on sign-in.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Manager issues and verifies session tokens.
type Manager struct {
	secret []byte
	issuer string
	clock  func() time.Time
}

func NewManager(secret, issuer string) (*Manager, error) {
	if secret == "" {
		return nil, errors.New("auth: jwt secret is required")
	}
	return &Manager{secret: []byte(secret), issuer: issuer, clock: time.Now}, nil
}

// WithClock replaces the time source. Used by tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.clock = now
	return m
}

// Issue signs a new access and refresh token for userID.
func (m *Manager) Issue(userID, email string) (TokenPair, error) {
	access, err := m.sign(userID, email, tokenAccess, AccessTokenDuration)
	if err != nil {
		return TokenPair{}, fmt.Errorf("sign access token: %w", err)
	}
	refresh, err := m.sign(userID, email, tokenRefresh, RefreshTokenDuration)
	if err != nil {
		return TokenPair{}, fmt.Errorf("sign refresh token: %w", err)
	}
	return TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

// Verify checks an access token and returns the session it describes.
func (m *Manager) Verify(accessToken string) (*domain.Session, error) {
	claims, err := m.parse(accessToken, tokenAccess)
	if err != nil {
		return nil, err
	}
	return &domain.Session{
		UserID:      claims.Subject,
		Email:       claims.Email,
		AccessToken: accessToken,
		ExpiresAt:   claims.ExpiresAt.Time,
	}, nil
}

// Refresh exchanges a refresh token for a new pair.
func (m *Manager) Refresh(refreshToken string) (TokenPair, *domain.Session, error) {
	claims, err := m.parse(refreshToken, tokenRefresh)
	if err != nil {
		return TokenPair{}, nil, err
	}
	pair, err := m.Issue(claims.Subject, claims.Email)
	if err != nil {
		return TokenPair{}, nil, err
	}
	session, err := m.Verify(pair.AccessToken)
	if err != nil {
		return TokenPair{}, nil, err
	}
	session.RefreshToken = pair.RefreshToken
	return pair, session, nil
}

func (m *Manager) sign(userID, email, typ string, ttl time.Duration) (string, error) {
	now := m.clock()
	claims := &Claims{
		Email: email,
		Type:  typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

func (m *Manager) parse(raw, typ string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(m.clock),
		jwt.WithExpirationRequired(),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return m.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" || claims.Type != typ {
		return nil, domain.ErrInvalidToken
	}
	return claims, nil
}
