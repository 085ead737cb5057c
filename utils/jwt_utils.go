package utils

import (
	"fmt"
	"os"

	"github.com/golang-jwt/jwt/v5"
)

// AdminClaims are the claims carried by operator-issued admin tokens. The
// control plane that mints these tokens is a separate service; this side only
// validates.
type AdminClaims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

var jwtSecret = []byte(os.Getenv("JWT_SECRET_KEY"))

// ValidateAdminJWT parses and validates an HS256 admin token and checks the
// admin scope.
func ValidateAdminJWT(tokenString string) (*AdminClaims, error) {
	claims := &AdminClaims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return jwtSecret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("token is not valid")
	}
	if claims.Scope != "admin" {
		return nil, fmt.Errorf("token lacks admin scope")
	}

	return claims, nil
}
