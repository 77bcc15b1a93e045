package credential

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nao1215/consoleharvest/internal/model"
)

// JWTExpired returns an expiry predicate for sessions whose blob is a JWT,
// optionally prefixed with "Bearer ". A session is expired when its exp
// claim falls within leeway of now. Blobs that are not JWTs, or carry no
// exp claim, are never treated as expired; the platform decides instead.
//
// The signature is not verified. The token only tells the harvester when
// to log in again; the platform remains the authority.
func JWTExpired(leeway time.Duration, now func() time.Time) func(model.Session) bool {
	if now == nil {
		now = time.Now
	}
	parser := jwt.NewParser()

	return func(s model.Session) bool {
		raw := strings.TrimSpace(s.Blob)
		if len(raw) > 7 && strings.EqualFold(raw[:7], "bearer ") {
			raw = strings.TrimSpace(raw[7:])
		}

		var claims jwt.RegisteredClaims
		if _, _, err := parser.ParseUnverified(raw, &claims); err != nil {
			return false
		}
		if claims.ExpiresAt == nil {
			return false
		}
		return !now().Add(leeway).Before(claims.ExpiresAt.Time)
	}
}

// OlderThan returns an expiry predicate that rejects sessions acquired more
// than maxAge ago.
func OlderThan(maxAge time.Duration, now func() time.Time) func(model.Session) bool {
	if now == nil {
		now = time.Now
	}
	return func(s model.Session) bool {
		return s.Age(now()) > maxAge
	}
}
