// Package auth signs and checks the short-lived tokens that unlock
// password-protected downloads.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const downloadTokenType = "download"

type DownloadTokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewDownloadTokens(secret string, ttl time.Duration) *DownloadTokens {
	return &DownloadTokens{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue returns a token granting access to storedName until the returned time.
func (d *DownloadTokens) Issue(storedName string) (string, time.Time, error) {
	now := d.now()
	exp := now.Add(d.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": storedName,
		"iat": now.Unix(),
		"exp": exp.Unix(),
		"typ": downloadTokenType,
	})
	signed, err := token.SignedString(d.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign download token: %v", err)
	}
	return signed, exp, nil
}

// Validate checks the signature, expiry and that the token was issued for storedName.
func (d *DownloadTokens) Validate(tokenStr, storedName string) error {
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return d.secret, nil
	}, jwt.WithTimeFunc(d.now), jwt.WithExpirationRequired())
	if err != nil {
		return fmt.Errorf("failed to parse token: %v", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return fmt.Errorf("invalid token")
	}
	if typ, _ := claims["typ"].(string); typ != downloadTokenType {
		return fmt.Errorf("invalid token type")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub != storedName {
		return fmt.Errorf("token was not issued for this file")
	}
	return nil
}
