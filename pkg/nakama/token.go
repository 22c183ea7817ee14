package nakama

import (
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/rotisserie/eris"
)

// sessionClaims are the claims Nakama puts in session tokens.
type sessionClaims struct {
	UserID   string `json:"uid"`
	Username string `json:"usn"`
	jwt.RegisteredClaims
}

// parseToken reads the claims of a session token. The signature is not verified; only the server
// can do that, and the client needs nothing but the expiry and identity.
func parseToken(token string) (sessionClaims, error) {
	var claims sessionClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return claims, eris.Wrap(err, "failed to parse session token")
	}
	if claims.ExpiresAt == nil {
		return claims, eris.New("session token has no expiry")
	}
	return claims, nil
}

// credential is an authenticated session.
type credential struct {
	token            string
	refreshToken     string
	userID           string
	username         string
	expiresAt        time.Time
	refreshExpiresAt time.Time
}

func newCredential(token, refreshToken string) (credential, error) {
	claims, err := parseToken(token)
	if err != nil {
		return credential{}, err
	}
	c := credential{
		token:        token,
		refreshToken: refreshToken,
		userID:       claims.UserID,
		username:     claims.Username,
		expiresAt:    claims.ExpiresAt.Time,
	}
	if refreshToken != "" {
		if rc, err := parseToken(refreshToken); err == nil {
			c.refreshExpiresAt = rc.ExpiresAt.Time
		}
	}
	return c, nil
}
