// SPDX-License-Identifier: MIT

// Package code issues the short-lived credentials that let runners check
// in: human-typable session codes, signed QR tokens and the QR images that
// carry them.
package code

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	qrcode "github.com/skip2/go-qrcode"
)

var (
	// ErrTokenExpired marks a structurally valid QR token past its expiry.
	ErrTokenExpired = errors.New("code: token expired")

	// ErrTokenInvalid covers every other verification failure: bad
	// signature, wrong claim shape, garbage input.
	ErrTokenInvalid = errors.New("code: token invalid")
)

// Issuer mints session codes and QR tokens from a single signing key.
type Issuer struct {
	alphabet string
	codeLen  int
	key      []byte
	ttl      time.Duration
	baseURL  string
	now      func() time.Time
}

// Config carries the knobs Issuer needs. Alphabet and Len are validated by
// the config package before they reach here.
type Config struct {
	Alphabet string
	Len      int
	Key      []byte
	TTL      time.Duration
	BaseURL  string
}

func NewIssuer(cfg Config) *Issuer {
	return &Issuer{
		alphabet: cfg.Alphabet,
		codeLen:  cfg.Len,
		key:      cfg.Key,
		ttl:      cfg.TTL,
		baseURL:  cfg.BaseURL,
		now:      time.Now,
	}
}

// NewSessionCode draws a uniform random code from the configured alphabet
// using crypto/rand. Uniqueness against stored runs is the caller's
// concern (the store retries on collision); this just guarantees the
// character set and length.
func (i *Issuer) NewSessionCode(_ context.Context) (string, error) {
	max := big.NewInt(int64(len(i.alphabet)))
	buf := make([]byte, i.codeLen)
	for idx := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("draw code char: %w", err)
		}
		buf[idx] = i.alphabet[n.Int64()]
	}
	return string(buf), nil
}

// qrClaims is the fixed claim set of a QR token.
type qrClaims struct {
	SessionCode string `json:"sid"`
	Type        string `json:"typ"`
	jwt.RegisteredClaims
}

// MintQRToken signs an HS256 token binding a session code for the
// configured TTL.
func (i *Issuer) MintQRToken(sessionCode string) (string, error) {
	now := i.now()
	claims := qrClaims{
		SessionCode: sessionCode,
		Type:        "qr",
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
	if err != nil {
		return "", fmt.Errorf("sign qr token: %w", err)
	}
	return signed, nil
}

// VerifyQRToken checks signature, expiry and claim shape and returns the
// embedded session code.
func (i *Issuer) VerifyQRToken(tokenString string) (string, error) {
	var claims qrClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.key, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithTimeFunc(i.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrTokenExpired
		}
		return "", fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}
	if !token.Valid || claims.Type != "qr" || claims.SessionCode == "" {
		return "", ErrTokenInvalid
	}
	return claims.SessionCode, nil
}

// RegisterURL builds the link a scanned QR resolves to.
func (i *Issuer) RegisterURL(token string) string {
	return i.baseURL + "/register?token=" + url.QueryEscape(token)
}

// QRImagePNG mints a token for sessionCode and renders the register link
// as a PNG, returned raw and base64-encoded for JSON embedding.
func (i *Issuer) QRImagePNG(sessionCode string, size int) (png []byte, b64 string, err error) {
	token, err := i.MintQRToken(sessionCode)
	if err != nil {
		return nil, "", err
	}
	png, err = qrcode.Encode(i.RegisterURL(token), qrcode.Medium, size)
	if err != nil {
		return nil, "", fmt.Errorf("encode qr image: %w", err)
	}
	return png, base64.StdEncoding.EncodeToString(png), nil
}
