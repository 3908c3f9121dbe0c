// Package auth verifies connection handshakes and tracks active session
// tokens. Tokens are HS256 JWTs carrying the user id, username and role;
// the registry keeps only token hashes, never the tokens themselves.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/adred-codev/chatd/internal/chat"
)

// Claims is the JWT payload of a chat handshake token.
type Claims struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// Identity is the verified result of a handshake.
type Identity struct {
	UserID   int64
	Username string
	Role     chat.Role
}

// Verifier validates and mints handshake tokens.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Generate mints a token. Primarily for tooling and tests; production
// tokens come from the identity service sharing the secret.
func (v *Verifier) Generate(userID int64, username, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Username: username,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(userID, 10),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "chatd",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// Verify validates the token signature and expiry and returns the identity
// it asserts. All failures map to Unauthorized.
func (v *Verifier) Verify(tokenString string) (*Identity, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return v.secret, nil
		},
	)
	if err != nil {
		return nil, chat.ErrUnauthorized("invalid token")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, chat.ErrUnauthorized("invalid token claims")
	}

	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || userID <= 0 {
		return nil, chat.ErrUnauthorized("invalid subject claim")
	}
	if strings.TrimSpace(claims.Username) == "" {
		return nil, chat.ErrUnauthorized("missing username claim")
	}
	role, err := chat.ParseRole(claims.Role)
	if err != nil {
		return nil, chat.ErrUnauthorized("unknown role claim")
	}

	return &Identity{UserID: userID, Username: claims.Username, Role: role}, nil
}

// TokenFromRequest extracts the handshake token from an upgrade request:
// the token query parameter first (the usual WebSocket form), then a bearer
// Authorization header.
func TokenFromRequest(r *http.Request) (string, error) {
	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", errors.New("no token in query or authorization header")
	}
	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(authHeader, bearerPrefix) {
		return "", errors.New("authorization header is not a bearer token")
	}
	return strings.TrimPrefix(authHeader, bearerPrefix), nil
}
