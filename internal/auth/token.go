// Package auth issues and parses the signed viewer tokens the API accepts.
// A token is the only way a request acquires an identity; the Viewer built
// from it is immutable for the life of the request.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"colloquy/api/internal/viewer"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

type ViewerClaims struct {
	OrgID                 string   `json:"org_id,omitempty"`
	PlatformApplicationID string   `json:"app_id,omitempty"`
	// No omitempty: an empty non-nil filter asserts "no orgs" and must
	// survive the roundtrip; only a nil filter may be absent.
	RelevantOrgIDs []string `json:"relevant_org_ids"`
	jwt.RegisteredClaims
}

// IssueViewerToken signs the viewer's identity into a bearer token.
func IssueViewerToken(secret []byte, v viewer.Viewer, ttl time.Duration) (string, error) {
	claims := ViewerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	if v.UserID != nil {
		claims.Subject = *v.UserID
	}
	if v.OrgID != nil {
		claims.OrgID = *v.OrgID
	}
	if v.PlatformApplicationID != nil {
		claims.PlatformApplicationID = *v.PlatformApplicationID
	}
	claims.RelevantOrgIDs = v.RelevantOrgIDs

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ParseViewerToken validates the token and rebuilds the Viewer it carries.
func ParseViewerToken(secret []byte, token string) (viewer.Viewer, error) {
	var claims ViewerClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return viewer.Viewer{}, ErrExpiredToken
		}
		return viewer.Viewer{}, ErrInvalidToken
	}
	if !parsed.Valid {
		return viewer.Viewer{}, ErrInvalidToken
	}

	v := viewer.Viewer{}
	if claims.Subject != "" {
		sub := claims.Subject
		v.UserID = &sub
	}
	if claims.OrgID != "" {
		orgID := claims.OrgID
		v.OrgID = &orgID
	}
	if claims.PlatformApplicationID != "" {
		appID := claims.PlatformApplicationID
		v.PlatformApplicationID = &appID
	}
	if claims.RelevantOrgIDs != nil {
		v = v.WithRelevantOrgIDs(claims.RelevantOrgIDs)
	}
	return v, nil
}
