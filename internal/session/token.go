package session

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ontoserve/authcore/internal"
	"github.com/ontoserve/authcore/internal/user"
)

// CookieName is the cookie a front end may use to carry the session token
// instead of the ssoToken request parameter.
const CookieName = "authcoreSession"

// Claims binds a session token to a user and the session epoch that was
// current when the token was issued. A logout bumps the user's epoch and
// thereby invalidates every outstanding token.
type Claims struct {
	UserID string `json:"user_id"`
	Epoch  int    `json:"epoch"`
	jwt.RegisteredClaims
}

type Codec struct {
	secret []byte
	ttl    time.Duration
}

func NewCodec(secret string, ttl time.Duration) *Codec {
	return &Codec{secret: []byte(secret), ttl: ttl}
}

// Issue creates a session token for the user at its current epoch.
func (c *Codec) Issue(u *user.User) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID: u.ID.String(),
		Epoch:  u.SessionEpoch,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Subject:   u.ID.String(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(c.secret)
	if err != nil {
		return "", internal.NewCryptoError("failed to sign session token", err)
	}
	return signed, nil
}

// Parse validates the token signature and returns the embedded user id and
// epoch. Any parse failure surfaces as a uniform security error.
func (c *Codec) Parse(tokenString string) (uuid.UUID, int, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return c.secret, nil
	})
	if err != nil {
		return uuid.Nil, 0, internal.ErrInvalidCredentials
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return uuid.Nil, 0, internal.ErrInvalidCredentials
	}

	id, err := uuid.Parse(claims.UserID)
	if err != nil {
		return uuid.Nil, 0, internal.ErrInvalidCredentials
	}
	return id, claims.Epoch, nil
}
