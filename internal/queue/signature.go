package queue

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"avatarbatch/internal/domain"
)

// ErrMissingSigningKey indicates a signer or verifier without a key.
var ErrMissingSigningKey = errors.New("queue: signing key is required")

const defaultSignatureTTL = 5 * time.Minute

// SignatureClaims is the JWT payload of a message signature.
type SignatureClaims struct {
	Body string `json:"body"`
	jwt.RegisteredClaims
}

// Signer issues HS256 signatures bound to a message body.
type Signer struct {
	key    []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewSigner creates a signer for key and issuer.
func NewSigner(key, issuer string) (*Signer, error) {
	if strings.TrimSpace(key) == "" {
		return nil, ErrMissingSigningKey
	}
	return &Signer{key: []byte(key), issuer: issuer, ttl: defaultSignatureTTL, now: time.Now}, nil
}

// Sign returns a compact JWT whose body claim hashes body.
func (s *Signer) Sign(body []byte, destination string) (string, error) {
	now := s.now()
	claims := SignatureClaims{
		Body: bodyHash(body),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   destination,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			ID:        uuid.NewString(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
}

// Verifier checks message signatures against the current and next keys.
type Verifier struct {
	keys   [][]byte
	issuer string
	leeway time.Duration
	now    func() time.Time
}

// NewVerifier accepts signatures made with current or, during rotation, next.
func NewVerifier(current, next, issuer string) (*Verifier, error) {
	if strings.TrimSpace(current) == "" {
		return nil, ErrMissingSigningKey
	}
	keys := [][]byte{[]byte(current)}
	if strings.TrimSpace(next) != "" && next != current {
		keys = append(keys, []byte(next))
	}
	return &Verifier{keys: keys, issuer: issuer, leeway: 5 * time.Second, now: time.Now}, nil
}

// Verify validates signature for body. Failures wrap domain.ErrAuthentication.
func (v *Verifier) Verify(signature string, body []byte) error {
	if strings.TrimSpace(signature) == "" {
		return fmt.Errorf("%w: missing signature", domain.ErrAuthentication)
	}
	var lastErr error
	for _, key := range v.keys {
		claims, err := v.parse(signature, key)
		if err != nil {
			lastErr = err
			continue
		}
		if strings.TrimRight(claims.Body, "=") != bodyHash(body) {
			return fmt.Errorf("%w: body hash mismatch", domain.ErrAuthentication)
		}
		return nil
	}
	return fmt.Errorf("%w: %v", domain.ErrAuthentication, lastErr)
}

func (v *Verifier) parse(signature string, key []byte) (*SignatureClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(v.leeway),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	claims := &SignatureClaims{}
	_, err := jwt.ParseWithClaims(signature, claims, func(*jwt.Token) (any, error) {
		return key, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

func bodyHash(body []byte) string {
	sum := sha256.Sum256(body)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
