package middleware

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

type contextKey string

// UserKey carries the authenticated username in the request context
const UserKey contextKey = "user"

// AuthMiddleware handles admin authentication for the management surface
type AuthMiddleware struct {
	logger        *zap.Logger
	jwtSecret     []byte
	adminUser     string
	adminPassHash string // hex SHA-256
	tokenExpiry   time.Duration
}

// Claims are the JWT claims issued on login
type Claims struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// NewAuthMiddleware creates new auth middleware
func NewAuthMiddleware(logger *zap.Logger, jwtSecret []byte, adminUser, adminPassHash string, tokenExpiry time.Duration) *AuthMiddleware {
	if tokenExpiry <= 0 {
		tokenExpiry = time.Hour
	}
	return &AuthMiddleware{
		logger:        logger,
		jwtSecret:     jwtSecret,
		adminUser:     adminUser,
		adminPassHash: adminPassHash,
		tokenExpiry:   tokenExpiry,
	}
}

// RequireAdmin requires a valid admin JWT or basic auth credentials
func (m *AuthMiddleware) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token := m.extractToken(r); token != "" {
			claims, valid := m.validateToken(token)
			if valid && claims.Role == "admin" {
				ctx := context.WithValue(r.Context(), UserKey, claims.Username)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
		}

		user, pass, ok := r.BasicAuth()
		if ok && m.validateCredentials(user, pass) {
			ctx := context.WithValue(r.Context(), UserKey, user)
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		w.Header().Set("WWW-Authenticate", `Basic realm="Admin"`)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	})
}

// Login handles admin login and issues a JWT
func (m *AuthMiddleware) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	if !m.validateCredentials(req.Username, req.Password) {
		m.logger.Warn("admin login rejected", zap.String("username", req.Username))
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	token, err := m.generateToken(req.Username, "admin")
	if err != nil {
		m.logger.Error("failed to generate token", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"token":      token,
		"expires_in": m.tokenExpiry.String(),
	})
}

func (m *AuthMiddleware) extractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func (m *AuthMiddleware) validateToken(tokenString string) (*Claims, bool) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return m.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return nil, false
	}
	return claims, true
}

func (m *AuthMiddleware) validateCredentials(username, password string) bool {
	if m.adminPassHash == "" {
		return false
	}

	sum := sha256.Sum256([]byte(password))
	passHash := hex.EncodeToString(sum[:])

	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(m.adminUser)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(passHash), []byte(m.adminPassHash)) == 1
	return userOK && passOK
}

func (m *AuthMiddleware) generateToken(username, role string) (string, error) {
	now := time.Now()
	claims := Claims{
		Username: username,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.tokenExpiry)),
			Issuer:    "komainu",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.jwtSecret)
}
