package middleware

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// accountTokenTTL is the lifetime of an account API token.
const accountTokenTTL = 24 * time.Hour

// tokenIssuer is the iss claim of every token ussdgw signs.
const tokenIssuer = "ussdgw"

// ErrInvalidToken is returned when a bearer token fails verification.
var ErrInvalidToken = errors.New("invalid account token")

// AccountClaims holds the JWT claims for API bearer tokens.
type AccountClaims struct {
	AccountSid string `json:"account_sid"`
	jwt.RegisteredClaims
}

// GenerateAccountToken creates a signed JWT that authenticates API calls
// for accountSid.
func GenerateAccountToken(secret []byte, accountSid string) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(accountTokenTTL)

	claims := AccountClaims{
		AccountSid: accountSid,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			Issuer:    tokenIssuer,
			Subject:   accountSid,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", time.Time{}, err
	}

	return signed, expiresAt, nil
}

// ParseAccountToken verifies tokenString and returns its claims.
func ParseAccountToken(secret []byte, tokenString string) (*AccountClaims, error) {
	claims := &AccountClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return secret, nil
	})
	if err != nil {
		return nil, errors.Join(ErrInvalidToken, err)
	}
	if !token.Valid || claims.AccountSid == "" || claims.Issuer != tokenIssuer {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
