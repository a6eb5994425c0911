// Package auth verifies the signed credentials clients present when opening a socket.
//
// A credential is a CBOR-encoded Token followed by a 64-byte Ed25519
// signature over the payload bytes. Clients send it base64url-encoded
// (unpadded) in the Authorization header or the token query parameter.
// Issuance happens elsewhere; Mint exists for issuers and tests.
package auth

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"live-quiz-service/internal/codec"
	"live-quiz-service/internal/domain"
)

const signatureSize = ed25519.SignatureSize

var (
	ErrTokenTooShort    = errors.New("auth: token too short for signature")
	ErrInvalidSignature = errors.New("auth: invalid Ed25519 signature")
	ErrTokenExpired     = errors.New("auth: token has expired")
	ErrAudienceMismatch = errors.New("auth: audience does not match")
	ErrNoRoles          = errors.New("auth: token grants no known role")
)

// Token is the signed payload of a credential.
type Token struct {
	Subject     string   `cbor:"1,keyasint"`
	DisplayName string   `cbor:"2,keyasint,omitempty"`
	Roles       []string `cbor:"3,keyasint"`
	Audience    string   `cbor:"4,keyasint"`
	ID          string   `cbor:"5,keyasint"`
	IssuedAt    int64    `cbor:"6,keyasint"`
	ExpiresAt   int64    `cbor:"7,keyasint"`
}

// Mint signs token and returns the raw credential bytes.
func Mint(privateKey ed25519.PrivateKey, token *Token) ([]byte, error) {
	payload, err := codec.Marshal(token)
	if err != nil {
		return nil, fmt.Errorf("auth: encoding token payload: %w", err)
	}
	signature := ed25519.Sign(privateKey, payload)

	result := make([]byte, len(payload)+signatureSize)
	copy(result, payload)
	copy(result[len(payload):], signature)
	return result, nil
}

// EncodeCredential renders raw credential bytes in their wire form.
func EncodeCredential(raw []byte) string {
	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodeCredential accepts the wire form, with or without a "Bearer " prefix.
func DecodeCredential(s string) ([]byte, error) {
	s = strings.TrimSpace(strings.TrimPrefix(s, "Bearer "))
	if s == "" {
		return nil, fmt.Errorf("%w: missing credential", domain.ErrUnauthorized)
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return nil, fmt.Errorf("%w: credential encoding: %v", domain.ErrUnauthorized, err)
	}
	return raw, nil
}

// Gate verifies credentials against one issuer key and audience.
type Gate struct {
	publicKey ed25519.PublicKey
	audience  string
	clock     clockwork.Clock
}

func NewGate(publicKey ed25519.PublicKey, audience string, clock clockwork.Clock) *Gate {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Gate{publicKey: publicKey, audience: audience, clock: clock}
}

// ParsePublicKey decodes a standard base64 Ed25519 public key.
func ParsePublicKey(encoded string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("auth: public key encoding: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("auth: public key has %d bytes, want %d", len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// Verify checks signature, expiry and audience and returns the identity.
// Every failure wraps domain.ErrUnauthorized.
func (g *Gate) Verify(credential []byte) (domain.Identity, error) {
	token, err := g.verifyAt(credential, g.clock.Now())
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}

	identity := domain.Identity{
		ParticipantID: token.Subject,
		DisplayName:   token.DisplayName,
	}
	for _, r := range token.Roles {
		switch domain.Role(r) {
		case domain.RoleQuizmaster, domain.RolePlayer:
			identity.Roles = append(identity.Roles, domain.Role(r))
		}
	}
	if len(identity.Roles) == 0 {
		return domain.Identity{}, fmt.Errorf("%w: %v", domain.ErrUnauthorized, ErrNoRoles)
	}
	return identity, nil
}

func (g *Gate) verifyAt(tokenBytes []byte, now time.Time) (*Token, error) {
	if len(tokenBytes) <= signatureSize {
		return nil, ErrTokenTooShort
	}

	splitPoint := len(tokenBytes) - signatureSize
	payload := tokenBytes[:splitPoint]
	signature := tokenBytes[splitPoint:]

	if !ed25519.Verify(g.publicKey, payload, signature) {
		return nil, ErrInvalidSignature
	}

	var token Token
	if err := codec.Unmarshal(payload, &token); err != nil {
		return nil, fmt.Errorf("auth: decoding token payload: %w", err)
	}
	if token.Subject == "" {
		return nil, errors.New("auth: token has no subject")
	}
	if now.Unix() >= token.ExpiresAt {
		return nil, ErrTokenExpired
	}
	if token.Audience != g.audience {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrAudienceMismatch, token.Audience, g.audience)
	}
	return &token, nil
}
