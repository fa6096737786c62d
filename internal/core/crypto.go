package core

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/vovakirdan/wirepush/internal/auth"
	"github.com/vovakirdan/wirepush/internal/proto"
)

const (
	nonceSize = 24
	// maxHeldEvents bounds the events kept per channel while its key is refreshed.
	maxHeldEvents = 64
)

var (
	errNoKey      = errors.New("no decryption key")
	errOpenFailed = errors.New("secretbox open failed")
)

// isKeyError reports whether err means the key is wrong or missing, as
// opposed to a malformed payload that no key could open.
func isKeyError(err error) bool {
	return errors.Is(err, errNoKey) || errors.Is(err, errOpenFailed)
}

func decrypt(key *[auth.KeySize]byte, data string) (string, error) {
	if key == nil {
		return "", errNoKey
	}
	var payload proto.EncryptedData
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		return "", fmt.Errorf("payload is not an encrypted envelope: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(payload.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("ciphertext: %w", err)
	}
	rawNonce, err := base64.StdEncoding.DecodeString(payload.Nonce)
	if err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	if len(rawNonce) != nonceSize {
		return "", fmt.Errorf("nonce has %d bytes", len(rawNonce))
	}
	var nonce [nonceSize]byte
	copy(nonce[:], rawNonce)

	plain, ok := secretbox.Open(nil, ciphertext, &nonce, key)
	if !ok {
		return "", errOpenFailed
	}
	return string(plain), nil
}
