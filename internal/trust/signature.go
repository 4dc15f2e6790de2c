package trust

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrBadSignature is returned when a signed key does not verify.
var ErrBadSignature = errors.New("signature verification failed")

// keyClaims is the payload of a signed key. The nonce-like Key is the value sent in the
// clear as the "key" query parameter.
type keyClaims struct {
	Key string `json:"key"`
	jwt.RegisteredClaims
}

// NewKey returns the nonce-like value signed on every call: the current time in
// nanoseconds.
func NewKey() string {
	return strconv.FormatInt(time.Now().UnixNano(), 10)
}

// Sign produces the signedkey for key, issued by self for audience peer.
func (k *KeyPair) Sign(self, peer, key string) (string, error) {
	claims := keyClaims{
		Key: key,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   self,
			Audience: jwt.ClaimStrings{peer},
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(k.private)
	if err != nil {
		return "", fmt.Errorf("sign key: %w", err)
	}
	return signed, nil
}

// VerifySignedKey checks that signedKey was produced over key by the holder of the
// private half of receiveKey, issued by issuer for audience self.
func VerifySignedKey(receiveKey, issuer, self, key, signedKey string) error {
	pub, err := DecodeED25519PublicKey(receiveKey)
	if err != nil {
		return fmt.Errorf("decode receive key: %w", err)
	}
	if signedKey == "" {
		return fmt.Errorf("%w: missing signed key", ErrBadSignature)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(issuer),
	}
	if self != "" {
		opts = append(opts, jwt.WithAudience(self))
	}

	var claims keyClaims
	_, err = jwt.ParseWithClaims(signedKey, &claims, func(*jwt.Token) (interface{}, error) {
		return pub, nil
	}, opts...)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if claims.Key != key {
		return fmt.Errorf("%w: signed key does not match", ErrBadSignature)
	}
	return nil
}
