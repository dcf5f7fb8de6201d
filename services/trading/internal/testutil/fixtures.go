package testutil

import (
	"time"

	"github.com/AKIVA-AI/enterprise-crypto-sub000/libs/auth"
	"github.com/google/uuid"
)

var (
	TraderUserID  = uuid.MustParse("00000000-0000-0000-0000-000000000002")
	ViewerUserID  = uuid.MustParse("00000000-0000-0000-0000-000000000003")
	TestJWTSecret = []byte("test-secret")
)

// GenerateJWT issues a short-lived HS256 token for userID.
func GenerateJWT(userID uuid.UUID, secret []byte, ttl time.Duration, now time.Time) (string, error) {
	return auth.SignJWT(userID.String(), []string{"trader"}, secret, ttl, now)
}
