// Package auth verifies the identity tokens issued by the platform's
// session service.
package auth

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Joe-Mavin/MentourMe-v2-sub002/internal/domain"
)

var ErrInvalidToken = errors.New("invalid token")

// Identity is the verified principal behind a connection.
type Identity struct {
	UserID domain.UserID
	Role   string
}

type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses an HMAC-signed token and extracts the user_id (or sub) and
// role claims.
func (v *Verifier) Verify(tokenString string) (Identity, error) {
	if tokenString == "" {
		return Identity{}, fmt.Errorf("%w: empty", ErrInvalidToken)
	}
	if len(v.secret) == 0 {
		return Identity{}, fmt.Errorf("%w: no signing key configured", ErrInvalidToken)
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		// Validate the alg is what we expect
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, fmt.Errorf("%w: claims", ErrInvalidToken)
	}

	raw, ok := claims["user_id"]
	if !ok {
		raw = claims["sub"]
	}
	userID, err := parseUserID(raw)
	if err != nil {
		return Identity{}, err
	}

	role, _ := claims["role"].(string)
	if role == "" {
		role = "user"
	}
	return Identity{UserID: userID, Role: role}, nil
}

func parseUserID(raw any) (domain.UserID, error) {
	switch v := raw.(type) {
	case float64:
		if v > 0 && v == float64(int64(v)) {
			return domain.UserID(v), nil
		}
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			return domain.UserID(n), nil
		}
	}
	return 0, fmt.Errorf("%w: user_id claim", ErrInvalidToken)
}

// Issue signs a token for userID. The platform's session service issues
// production tokens; this is used by tooling and tests.
func (v *Verifier) Issue(userID domain.UserID, role string, claims jwt.MapClaims) (string, error) {
	all := jwt.MapClaims{"user_id": int64(userID), "role": role}
	for k, val := range claims {
		all[k] = val
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, all).SignedString(v.secret)
}
