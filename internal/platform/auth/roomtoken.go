package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Room credential tokens are short-lived bearer credentials scoped to exactly
// one consultation room. The booking service issues one to each participant of
// a confirmed appointment; the session coordinator refuses a join without one.

var (
	ErrTokenInvalid   = errors.New("room token invalid")
	ErrTokenWrongRoom = errors.New("room token not valid for this room")
)

type RoomClaims struct {
	jwt.RegisteredClaims
	Room string `json:"room"`
}

// RoomTokenIssuer mints and verifies room-scoped credential tokens.
type RoomTokenIssuer struct {
	signingKey []byte
	ttl        time.Duration
}

func NewRoomTokenIssuer(signingKey []byte, ttl time.Duration) *RoomTokenIssuer {
	return &RoomTokenIssuer{signingKey: signingKey, ttl: ttl}
}

// Issue mints a credential for userID scoped to roomID.
func (i *RoomTokenIssuer) Issue(userID, roomID string) (string, error) {
	now := time.Now()
	claims := RoomClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
		Room: roomID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.signingKey)
	if err != nil {
		return "", fmt.Errorf("sign room token: %w", err)
	}
	return signed, nil
}

// Verify checks the credential's signature, expiry, and room scope, returning
// the user id it was issued to.
func (i *RoomTokenIssuer) Verify(raw, roomID string) (string, error) {
	claims := &RoomClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.signingKey, nil
	})
	if err != nil || !token.Valid {
		return "", ErrTokenInvalid
	}
	if claims.Room != roomID {
		return "", ErrTokenWrongRoom
	}
	return claims.Subject, nil
}
