package httpserver

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"

	"github.com/talesofai/nietest/internal/config"
	"github.com/talesofai/nietest/internal/domain"
)

// Argon2Params defines parameters for Argon2id password hashing.
type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLen     uint32
	KeyLen      uint32
}

var defaultArgon2Params = Argon2Params{
	Memory:      64 * 1024, // 64 MB
	Iterations:  3,
	Parallelism: 2,
	SaltLen:     16,
	KeyLen:      32,
}

// DefaultArgon2Params returns the parameters used for new password hashes.
func DefaultArgon2Params() Argon2Params { return defaultArgon2Params }

// HashPassword creates an Argon2id hash of the password, encoded as
// argon2id$iterations$memory$parallelism$salt$hash with raw-std base64.
func HashPassword(password string, params Argon2Params) (string, error) {
	salt := make([]byte, params.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}

	hash := argon2.IDKey([]byte(password), salt, params.Iterations, params.Memory, params.Parallelism, params.KeyLen)

	encoded := fmt.Sprintf("argon2id$%d$%d$%d$%s$%s",
		params.Iterations,
		params.Memory,
		params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	)
	return encoded, nil
}

// VerifyPassword verifies a password against its encoded Argon2id hash in
// constant time. Malformed hashes simply fail verification.
func VerifyPassword(password, encodedHash string) bool {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 || parts[0] != "argon2id" {
		return false
	}
	iters, err1 := parseUint32(parts[1])
	mem, err2 := parseUint32(parts[2])
	par64, err3 := parseUint32(parts[3])
	if err1 != nil || err2 != nil || err3 != nil {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	expectedHash, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false
	}

	var par uint8
	if par64 > math.MaxUint8 {
		par = math.MaxUint8
	} else {
		par = uint8(par64)
	}
	actualHash := argon2.IDKey([]byte(password), salt, iters, mem, par, defaultArgon2Params.KeyLen)
	return subtle.ConstantTimeCompare(actualHash, expectedHash) == 1
}

// Claims is the decoded content of a bearer token.
type Claims struct {
	UserID    string
	Username  string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// TokenManager mints and verifies HMAC-signed bearer tokens. The token is
// base64(payload).base64(signature) with payload sub:username:iat:exp, so it
// stays verifiable without any server-side session state.
type TokenManager struct {
	secret []byte
	ttl    time.Duration
	skew   time.Duration
}

// NewTokenManager builds a TokenManager from config. Only HS256 is
// supported; any other ALGORITHM value is a deployment error caught at boot.
func NewTokenManager(cfg config.Config) (*TokenManager, error) {
	if !strings.EqualFold(cfg.Algorithm, "HS256") {
		return nil, fmt.Errorf("op=auth.new_token_manager: unsupported token algorithm %q", cfg.Algorithm)
	}
	if cfg.SecretKey == "" {
		return nil, fmt.Errorf("op=auth.new_token_manager: SECRET_KEY must not be empty")
	}
	return &TokenManager{
		secret: []byte(cfg.SecretKey),
		ttl:    cfg.AccessTokenTTL(),
		skew:   cfg.TokenClockSkew,
	}, nil
}

// TTL returns the configured token lifetime.
func (tm *TokenManager) TTL() time.Duration { return tm.ttl }

func (tm *TokenManager) sign(payload []byte) []byte {
	mac := hmac.New(sha256.New, tm.secret)
	mac.Write(payload)
	return mac.Sum(nil)
}

// Mint issues a bearer token for the user, valid from now for the
// configured lifetime.
func (tm *TokenManager) Mint(user domain.User, now time.Time) string {
	expires := now.Add(tm.ttl)
	payload := fmt.Sprintf("%s:%s:%d:%d", user.ID, user.Username, now.Unix(), expires.Unix())
	return base64.RawURLEncoding.EncodeToString([]byte(payload)) +
		"." + base64.RawURLEncoding.EncodeToString(tm.sign([]byte(payload)))
}

// Verify checks the token signature and expiry and returns its claims.
func (tm *TokenManager) Verify(token string, now time.Time) (Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return Claims{}, fmt.Errorf("%w: 无效的认证凭据", domain.ErrUnauthorized)
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return Claims{}, fmt.Errorf("%w: 无效的认证凭据", domain.ErrUnauthorized)
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return Claims{}, fmt.Errorf("%w: 无效的认证凭据", domain.ErrUnauthorized)
	}
	if !hmac.Equal(tm.sign(payload), sig) {
		return Claims{}, fmt.Errorf("%w: 无效的认证凭据", domain.ErrUnauthorized)
	}

	fields := strings.Split(string(payload), ":")
	if len(fields) != 4 {
		return Claims{}, fmt.Errorf("%w: 无效的认证凭据", domain.ErrUnauthorized)
	}
	iat := time.Unix(parseInt64(fields[2]), 0)
	exp := time.Unix(parseInt64(fields[3]), 0)
	if now.After(exp.Add(tm.skew)) {
		return Claims{}, fmt.Errorf("%w: 认证凭据已过期", domain.ErrUnauthorized)
	}
	return Claims{UserID: fields[0], Username: fields[1], IssuedAt: iat, ExpiresAt: exp}, nil
}

// authKey is an unexported context key type for the authenticated user.
type authKey struct{}

// AuthRequired verifies the bearer token and loads the user it names into
// the request context, rejecting missing, invalid and disabled identities.
func (tm *TokenManager) AuthRequired(users domain.UserRepository) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				writeError(w, r, fmt.Errorf("%w: 无效的认证凭据", domain.ErrUnauthorized))
				return
			}
			claims, err := tm.Verify(token, time.Now())
			if err != nil {
				writeError(w, r, err)
				return
			}
			user, err := users.GetByUsername(r.Context(), claims.Username)
			if err != nil {
				writeError(w, r, fmt.Errorf("%w: 用户不存在", domain.ErrUnauthorized))
				return
			}
			if !user.IsActive {
				writeError(w, r, fmt.Errorf("%w: 用户已禁用", domain.ErrUnauthorized))
				return
			}
			ctx := context.WithValue(r.Context(), authKey{}, user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserFrom extracts the authenticated user placed by AuthRequired.
func UserFrom(r *http.Request) (domain.User, bool) {
	u, ok := r.Context().Value(authKey{}).(domain.User)
	return u, ok
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// parseInt64 safely parses string to int64, returns 0 on error.
func parseInt64(s string) int64 {
	x, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return x
}

// parseUint32 parses a decimal string into uint32; returns error on failure.
func parseUint32(s string) (uint32, error) {
	x, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("parse")
	}
	return uint32(x), nil
}
