package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthenticated indicates the handshake carried no verifiable identity.
// Connections failing identity resolution are refused before registration,
// not error-framed.
var ErrUnauthenticated = errors.New("unauthenticated")

// Identity is the verified (user, room) pair the external identity mechanism
// hands the broker at handshake time. The broker never parses raw
// credentials beyond the signed token.
type Identity struct {
	UserID   int64
	Username string
	RoomCode string
}

// IdentityResolver extracts a verified identity from the handshake request.
type IdentityResolver interface {
	Resolve(r *http.Request) (*Identity, error)
}

// TokenResolver verifies HMAC-signed JWTs minted by the session/cookie layer.
// The token is read from the "token" query parameter or an Authorization
// bearer header.
type TokenResolver struct {
	secret []byte
}

// NewTokenResolver creates a resolver for tokens signed with secret.
func NewTokenResolver(secret []byte) *TokenResolver {
	return &TokenResolver{secret: secret}
}

// Resolve verifies the handshake token and returns the identity it binds.
func (tr *TokenResolver) Resolve(r *http.Request) (*Identity, error) {
	tokenStr := r.URL.Query().Get("token")
	if tokenStr == "" {
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			tokenStr = strings.TrimPrefix(auth, "Bearer ")
		}
	}
	if tokenStr == "" {
		return nil, fmt.Errorf("%w: no token presented", ErrUnauthenticated)
	}

	claims := &sessionClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return tr.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: invalid token", ErrUnauthenticated)
	}

	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || userID == 0 || claims.RoomCode == "" {
		return nil, fmt.Errorf("%w: token missing identity or room binding", ErrUnauthenticated)
	}

	return &Identity{
		UserID:   userID,
		Username: claims.Username,
		RoomCode: claims.RoomCode,
	}, nil
}

type sessionClaims struct {
	jwt.RegisteredClaims
	Username string `json:"username,omitempty"`
	RoomCode string `json:"room"`
}

// MintToken signs an identity token binding userID to roomCode for ttl. Used
// by the token tool and by tests; in production the session layer mints these
// after its own login flow.
func MintToken(secret []byte, userID int64, username, roomCode string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(userID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Username: username,
		RoomCode: roomCode,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
