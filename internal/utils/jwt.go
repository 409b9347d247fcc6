package utils // package utils provides token, hashing and one-time-password helpers

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/iliyamo/platform-auth/internal/model"
)

// minSecretLen is the shortest HS256 secret accepted at startup.
const minSecretLen = 32

// AccessToken represents a signed JWT access token along with its id and
// expiry. Access tokens are short-lived and sent in the Authorization header.
type AccessToken struct {
	Token string    // the serialized JWT string
	ID    string    // jti, used for revocation on logout
	Exp   time.Time // the UTC expiration time
}

// RefreshToken represents a long-lived opaque token used to obtain new
// access tokens. Only a SHA-256 hash of Raw is persisted.
type RefreshToken struct {
	Raw string    // raw token string returned to the client
	Exp time.Time // UTC expiration time
}

// Claims is the payload of an access token. Identity is a snapshot taken
// at issuance and must not be used for authorization decisions.
type Claims struct {
	SessionID string         `json:"sid,omitempty"`
	Identity  model.Snapshot `json:"identity"`
	jwt.RegisteredClaims
}

// IdentityID parses the subject claim. ok is false when the claim is
// missing or not a positive integer.
func (c *Claims) IdentityID() (uint64, bool) {
	if c == nil || c.Subject == "" {
		return 0, false
	}
	id, err := strconv.ParseUint(c.Subject, 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return id, true
}

// DecodeErrorKind classifies why a token failed to decode.
type DecodeErrorKind int

const (
	Malformed DecodeErrorKind = iota + 1
	Expired
	SignatureInvalid
)

func (k DecodeErrorKind) String() string {
	switch k {
	case Malformed:
		return "malformed"
	case Expired:
		return "expired"
	case SignatureInvalid:
		return "signature_invalid"
	}
	return "unknown"
}

// DecodeError is the only error Decode returns.
type DecodeError struct {
	Kind DecodeErrorKind
	Err  error
}

func (e *DecodeError) Error() string { return "token " + e.Kind.String() + ": " + e.Err.Error() }
func (e *DecodeError) Unwrap() error { return e.Err }

// TokenCodec issues and verifies HS256 access tokens. It holds no mutable
// state and is safe for concurrent use.
type TokenCodec struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// CodecOption customizes a TokenCodec.
type CodecOption func(*TokenCodec)

// WithClock overrides the time source used for issuance and validation.
func WithClock(now func() time.Time) CodecOption {
	return func(c *TokenCodec) { c.now = now }
}

// NewTokenCodec validates the signing configuration. Errors here are
// startup failures, never per-request ones.
func NewTokenCodec(secret string, ttl time.Duration, opts ...CodecOption) (*TokenCodec, error) {
	if len(secret) < minSecretLen {
		return nil, fmt.Errorf("jwt secret must be at least %d bytes", minSecretLen)
	}
	if ttl <= 0 {
		return nil, errors.New("access token ttl must be positive")
	}
	c := &TokenCodec{secret: []byte(secret), ttl: ttl, now: time.Now}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// TTL returns the configured access token lifetime.
func (c *TokenCodec) TTL() time.Duration { return c.ttl }

// Issue builds and signs an access token for identity bound to sessionID.
func (c *TokenCodec) Issue(identity model.Identity, sessionID string) (AccessToken, error) {
	now := c.now().UTC()
	exp := now.Add(c.ttl)
	jti := uuid.NewString()
	claims := Claims{
		SessionID: sessionID,
		Identity:  identity.Snapshot(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatUint(identity.ID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        jti,
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return AccessToken{}, fmt.Errorf("sign access token: %w", err)
	}
	return AccessToken{Token: signed, ID: jti, Exp: claims.ExpiresAt.Time}, nil
}

// Decode verifies the signature and the [nbf, exp) window of raw. Every
// failure is reported as a *DecodeError.
func (c *TokenCodec) Decode(raw string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(c.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, &DecodeError{Kind: classify(err), Err: err}
	}
	return claims, nil
}

func classify(err error) DecodeErrorKind {
	switch {
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return SignatureInvalid
	case errors.Is(err, jwt.ErrTokenExpired), errors.Is(err, jwt.ErrTokenNotValidYet):
		return Expired
	}
	return Malformed
}

// NewRefreshToken returns a cryptographically secure random token and its
// expiration time.
func NewRefreshToken(ttl time.Duration) (RefreshToken, error) {
	raw, err := randomHex(48) // 48 bytes -> 96 hex chars
	if err != nil {
		return RefreshToken{}, err
	}
	return RefreshToken{Raw: raw, Exp: time.Now().UTC().Add(ttl)}, nil
}

// HashOpaque returns the SHA-256 hex digest of an opaque secret such as a
// refresh token or a recovery code.
func HashOpaque(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
