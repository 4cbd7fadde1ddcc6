package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenTTL bounds how long a per-request device token is accepted.
const tokenTTL = 5 * time.Minute

// deviceClaims identify the device pushing on behalf of the local store.
type deviceClaims struct {
	Type string `json:"type"`
	jwt.RegisteredClaims
}

// SignDeviceToken creates a short-lived HS256 token for deviceID.
func SignDeviceToken(deviceID string, secret []byte, now time.Time) (string, error) {
	claims := deviceClaims{
		Type: "device",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   deviceID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign device token: %w", err)
	}
	return signed, nil
}

// ValidateDeviceToken parses a bearer token and returns the device id.
// Expiry is checked against now.
func ValidateDeviceToken(tokenString string, secret []byte, now time.Time) (string, error) {
	var claims deviceClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", err
	}
	if !token.Valid || claims.Type != "device" {
		return "", errors.New("invalid token")
	}
	return claims.Subject, nil
}

// bearer extracts the token from an Authorization header value.
func bearer(header string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}

type deviceKey struct{}

func withDevice(ctx context.Context, deviceID string) context.Context {
	return context.WithValue(ctx, deviceKey{}, deviceID)
}

// DeviceFrom returns the authenticated device id of a server request.
func DeviceFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(deviceKey{}).(string)
	return id, ok
}
