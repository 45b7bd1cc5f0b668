package credentials

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// OAuthTokenExpiry returns the exp claim of a JWT access token. The token is
// not verified: the provider's keys are not available locally and the value
// is only used to tell the user when a rotation is due. Opaque tokens report
// false.
func OAuthTokenExpiry(token string) (time.Time, bool) {
	if token == "" {
		return time.Time{}, false
	}
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// OAuthTokenExpired reports whether token carries an exp claim that is not
// after now
func OAuthTokenExpired(token string, now time.Time) bool {
	exp, ok := OAuthTokenExpiry(token)
	return ok && !exp.After(now)
}
