package client

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// expirySkew treats tokens that expire within this window as already expired
const expirySkew = 30 * time.Second

// TokenExpired reports whether an access token is expired at now. The token
// signature is not verified; only the exp claim is read. Tokens that cannot
// be parsed or carry no exp claim are treated as valid and left to the backend.
func TokenExpired(token string, now time.Time) bool {
	if token == "" {
		return true
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return !now.Add(expirySkew).Before(exp.Time)
}
