package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/argon2"

	"github.com/ashita-ai/parley/internal/model"
)

const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // 64 MB
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16
)

// DemoUserID is the identity granted to holders of the demo token.
const DemoUserID = "demo-user"

// HashSecret hashes a shared secret using Argon2id.
func HashSecret(secret string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generate salt: %w", err)
	}

	hash := argon2.IDKey([]byte(secret), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	encoded := fmt.Sprintf("%s$%s",
		base64.StdEncoding.EncodeToString(salt),
		base64.StdEncoding.EncodeToString(hash),
	)
	return encoded, nil
}

// VerifySecret checks a secret against an Argon2id hash.
func VerifySecret(secret, encoded string) (bool, error) {
	parts := strings.SplitN(encoded, "$", 2)
	if len(parts) != 2 {
		return false, fmt.Errorf("auth: invalid hash format")
	}

	salt, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return false, fmt.Errorf("auth: decode salt: %w", err)
	}

	expectedHash, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return false, fmt.Errorf("auth: decode hash: %w", err)
	}

	computedHash := argon2.IDKey([]byte(secret), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	return subtle.ConstantTimeCompare(expectedHash, computedHash) == 1, nil
}

// DemoToken accepts one static bearer token as DemoUserID. Only the Argon2id
// hash of the token is kept in memory; the sha256 of the last accepted
// token is cached so repeated requests skip the KDF.
type DemoToken struct {
	hash string
	tier model.Tier

	mu       sync.Mutex
	accepted [sha256.Size]byte
	warm     bool
}

// NewDemoToken hashes token for later verification. An empty token disables
// demo auth and returns nil.
func NewDemoToken(token string, tier model.Tier) (*DemoToken, error) {
	if token == "" {
		return nil, nil
	}
	hash, err := HashSecret(token)
	if err != nil {
		return nil, err
	}
	return &DemoToken{hash: hash, tier: tier}, nil
}

// Verify returns demo claims when token matches.
func (d *DemoToken) Verify(token string) (*Claims, bool) {
	if d == nil || token == "" {
		return nil, false
	}
	sum := sha256.Sum256([]byte(token))

	d.mu.Lock()
	hit := d.warm && subtle.ConstantTimeCompare(sum[:], d.accepted[:]) == 1
	d.mu.Unlock()

	if !hit {
		ok, err := VerifySecret(token, d.hash)
		if err != nil || !ok {
			return nil, false
		}
		d.mu.Lock()
		d.accepted, d.warm = sum, true
		d.mu.Unlock()
	}

	c := &Claims{UserID: DemoUserID, Tier: d.tier, Demo: true}
	c.Subject = DemoUserID
	c.Issuer = issuer
	return c, true
}

// Authenticator resolves a bearer token into claims: a signed JWT first,
// then the demo token when one is configured.
type Authenticator struct {
	jwt  *JWTManager
	demo *DemoToken
}

// NewAuthenticator wires a JWT manager and an optional demo token.
func NewAuthenticator(jwtMgr *JWTManager, demo *DemoToken) *Authenticator {
	return &Authenticator{jwt: jwtMgr, demo: demo}
}

// Authenticate validates token and returns the caller's claims.
func (a *Authenticator) Authenticate(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrUnauthenticated
	}
	if a.jwt != nil {
		claims, err := a.jwt.ValidateToken(token)
		if err == nil {
			return claims, nil
		}
		if c, ok := a.demo.Verify(token); ok {
			return c, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if c, ok := a.demo.Verify(token); ok {
		return c, nil
	}
	return nil, ErrUnauthenticated
}
