// SPDX-License-Identifier: MIT

package code

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

// mintRaw signs arbitrary claims with the issuer's key, to craft
// near-valid tokens the public API would never produce.
func mintRaw(i *Issuer, claims qrClaims) (string, error) {
	now := time.Now()
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(time.Hour))
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
}

func testIssuer(t *testing.T) *Issuer {
	t.Helper()
	return NewIssuer(Config{
		Alphabet: "23456789ABCDEFGHJKLMNPQRSTUVWXYZ",
		Len:      5,
		Key:      []byte("test-signing-key-0123456789abcdef"),
		TTL:      24 * time.Hour,
		BaseURL:  "https://club.example.com",
	})
}

func TestNewSessionCodeShape(t *testing.T) {
	iss := testIssuer(t)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		c, err := iss.NewSessionCode(context.Background())
		require.NoError(t, err)
		require.Len(t, c, 5)
		for _, ch := range c {
			require.Contains(t, iss.alphabet, string(ch))
		}
		seen[c] = true
	}
	// 100 draws from a 32^5 space should essentially never repeat.
	require.Greater(t, len(seen), 95)
}

func TestQRTokenRoundTrip(t *testing.T) {
	iss := testIssuer(t)

	token, err := iss.MintQRToken("AB2CD")
	require.NoError(t, err)
	require.Equal(t, 3, len(strings.Split(token, ".")))

	sid, err := iss.VerifyQRToken(token)
	require.NoError(t, err)
	require.Equal(t, "AB2CD", sid)
}

func TestVerifyQRTokenExpired(t *testing.T) {
	iss := testIssuer(t)

	minted := time.Now().Add(-48 * time.Hour)
	iss.now = func() time.Time { return minted }
	token, err := iss.MintQRToken("AB2CD")
	require.NoError(t, err)

	iss.now = time.Now
	_, err = iss.VerifyQRToken(token)
	require.ErrorIs(t, err, ErrTokenExpired)
}

func TestVerifyQRTokenRejectsWrongKey(t *testing.T) {
	iss := testIssuer(t)
	other := testIssuer(t)
	other.key = []byte("another-key-entirely-0123456789ab")

	token, err := other.MintQRToken("AB2CD")
	require.NoError(t, err)

	_, err = iss.VerifyQRToken(token)
	require.ErrorIs(t, err, ErrTokenInvalid)
}

func TestVerifyQRTokenRejectsGarbage(t *testing.T) {
	iss := testIssuer(t)
	for _, in := range []string{"", "not-a-token", "a.b.c"} {
		_, err := iss.VerifyQRToken(in)
		require.ErrorIs(t, err, ErrTokenInvalid, "input %q", in)
	}
}

func TestVerifyQRTokenRejectsWrongType(t *testing.T) {
	iss := testIssuer(t)

	// A token signed with the right key but without the qr type claim.
	claims := qrClaims{SessionCode: "AB2CD", Type: "other"}
	token, err := mintRaw(iss, claims)
	require.NoError(t, err)

	_, err = iss.VerifyQRToken(token)
	require.ErrorIs(t, err, ErrTokenInvalid)
}

func TestQRImagePNG(t *testing.T) {
	iss := testIssuer(t)

	png, b64, err := iss.QRImagePNG("AB2CD", 256)
	require.NoError(t, err)
	require.NotEmpty(t, b64)
	require.True(t, bytes.HasPrefix(png, []byte("\x89PNG")), "expected a PNG header")
}

func TestRegisterURL(t *testing.T) {
	iss := testIssuer(t)
	u := iss.RegisterURL("abc.def.ghi")
	require.Equal(t, "https://club.example.com/register?token=abc.def.ghi", u)
}
