// Package auth validates the bearer token carried on every authenticated
// route — REST and WebSocket upgrade alike share one predicate, per the
// system's single-middleware auth design.
package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"
)

var errInvalidToken = errors.New("invalid or missing token")
var errInvalidCredentials = errors.New("invalid credentials")

// Manager validates the configured bearer token. When a password/TOTP
// pair is also configured (set up once via the CLI's --setup wizard), the
// REST /auth-verify endpoint accepts that pair in exchange for a JWT
// minted by IssueToken, letting the web UI avoid storing a long-lived secret
// until the operator has proven physical possession of the authenticator.
type Manager struct {
	token        string
	jwtSecret    []byte
	passwordHash []byte
	totpSecret   string
	disabled     bool
}

// NewManager returns a Manager. token is the shared bearer secret (either
// operator-supplied via --auth or generated at --setup time). passwordHash
// and totpSecret may be empty if the operator skipped the 2FA wizard.
func NewManager(token string, jwtSecret []byte, passwordHash []byte, totpSecret string, disabled bool) *Manager {
	return &Manager{
		token:        token,
		jwtSecret:    jwtSecret,
		passwordHash: passwordHash,
		totpSecret:   totpSecret,
		disabled:     disabled,
	}
}

// IssueToken mints a JWT alternative to the static token, used by clients
// that completed the password/TOTP challenge and want a revocable
// credential instead of the raw shared secret.
func (m *Manager) IssueToken() (string, error) {
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(30 * 24 * time.Hour)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.jwtSecret)
}

func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if rest, ok := strings.CutPrefix(h, "Bearer "); ok {
			return rest
		}
	}
	return r.URL.Query().Get("token")
}

// ValidateRequest checks the request's bearer token. It is the single
// predicate shared by REST middleware and the WebSocket upgrade path.
func (m *Manager) ValidateRequest(r *http.Request) error {
	if m.disabled {
		return nil
	}
	tok := tokenFromRequest(r)
	if tok == "" {
		return errInvalidToken
	}
	return m.ValidateToken(tok)
}

// ValidateToken accepts either the configured static token (constant-time
// compared) or a JWT minted by IssueToken.
func (m *Manager) ValidateToken(tok string) error {
	if m.disabled {
		return nil
	}
	if m.token != "" && subtle.ConstantTimeCompare([]byte(tok), []byte(m.token)) == 1 {
		return nil
	}
	if len(m.jwtSecret) > 0 {
		parsed, err := jwt.Parse(tok, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errInvalidToken
			}
			return m.jwtSecret, nil
		})
		if err == nil && parsed.Valid {
			return nil
		}
	}
	return errInvalidToken
}

// VerifyCredentials checks a password/TOTP pair against the configured
// 2FA challenge. Returns errInvalidCredentials if no 2FA was configured.
func (m *Manager) VerifyCredentials(password, totpCode string) error {
	if len(m.passwordHash) == 0 || m.totpSecret == "" {
		return errInvalidCredentials
	}
	pwErr := bcrypt.CompareHashAndPassword(m.passwordHash, []byte(password))
	totpOK := totp.Validate(totpCode, m.totpSecret)
	if pwErr != nil || !totpOK {
		return errInvalidCredentials
	}
	return nil
}

// Token returns the configured shared bearer token.
func (m *Manager) Token() string { return m.token }

// Disabled reports whether authentication is turned off.
func (m *Manager) Disabled() bool { return m.disabled }

// Has2FA reports whether a password/TOTP challenge is configured.
func (m *Manager) Has2FA() bool { return len(m.passwordHash) > 0 && m.totpSecret != "" }

// Middleware enforces ValidateRequest on every wrapped handler, replying
// 401 on failure.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := m.ValidateRequest(r); err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
