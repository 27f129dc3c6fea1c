// internal/auth/token.go
package auth

import (
	"crypto/ed25519"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// privateKey and publicKey are used for signing and verifying guest tokens.
// Signing happens in the simulator and in tests; real deployments only
// ever parse tokens issued by the backend.
var (
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey

	// TOKEN_EXPIRE_TIME_SEC indicates how many seconds until token expiration (0 => never).
	TOKEN_EXPIRE_TIME_SEC int
)

// GuestClaims is what a client can read out of its guest token without
// holding the backend's verification key.
type GuestClaims struct {
	GuestSessionID string
	ExpiresAt      time.Time // zero if the token never expires
}

// parseTokenExpireTime reads the TOKEN_EXPIRE_TIME env var and sets TOKEN_EXPIRE_TIME_SEC accordingly.
func parseTokenExpireTime() {
	duration := os.Getenv("TOKEN_EXPIRE_TIME")
	if duration == "never" || duration == "0" || duration == "" {
		TOKEN_EXPIRE_TIME_SEC = 0
	} else {
		d, err := time.ParseDuration(duration)
		if err != nil {
			fmt.Printf("failed to parse token expire time: %v\n", err)
			os.Exit(1)
		}
		TOKEN_EXPIRE_TIME_SEC = int(d.Seconds())
	}
}

// Init generates a fresh ed25519 key pair at runtime and sets the token expiration.
func Init() {
	var err error
	publicKey, privateKey, err = ed25519.GenerateKey(nil)
	if err != nil {
		fmt.Printf("failed to generate ed25519 key pair: %v\n", err)
		os.Exit(1)
	}
	parseTokenExpireTime()
}

// CreateGuestToken creates a signed token with "sub" = guestSessionID and
// the configured expiry.
func CreateGuestToken(guestSessionID string) (string, error) {
	claims := jwt.MapClaims{
		"sub": guestSessionID,
	}

	if TOKEN_EXPIRE_TIME_SEC > 0 {
		claims["exp"] = time.Now().Add(time.Duration(TOKEN_EXPIRE_TIME_SEC) * time.Second).Unix()
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	return token.SignedString(privateKey)
}

// AuthenticateGuestToken verifies a token string against the local key
// pair and returns the guest session id. Simulator-side only.
func AuthenticateGuestToken(tokenString string) (string, error) {
	t, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return publicKey, nil
	})

	if err != nil {
		return "", fmt.Errorf("jwt parse error: %w", err)
	}
	if !t.Valid {
		return "", fmt.Errorf("invalid token")
	}

	claims, ok := t.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("invalid jwt claims")
	}

	guestSessionID, ok := claims["sub"].(string)
	if !ok {
		return "", fmt.Errorf("missing sub in jwt")
	}

	return guestSessionID, nil
}

// InspectToken extracts claims without signature verification. Clients
// hold no verification key; the backend rejects forged tokens anyway, so
// the only local use of claims is recovering the session id and expiry
// from a stored token.
func InspectToken(tokenString string) (GuestClaims, error) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(tokenString, claims); err != nil {
		return GuestClaims{}, fmt.Errorf("jwt parse error: %w", err)
	}

	sub, ok := claims["sub"].(string)
	if !ok {
		return GuestClaims{}, fmt.Errorf("missing sub in jwt")
	}

	gc := GuestClaims{GuestSessionID: sub}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		gc.ExpiresAt = exp.Time
	}
	return gc, nil
}
