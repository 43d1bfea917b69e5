package boundary

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// AlgorithmAESGCM is the only supported channel cipher.
const AlgorithmAESGCM = "aes-256-gcm"

const channelKeySize = 32

// deriveChannelKey derives a channel-unique AES-256 key from the pool master
// key using HKDF-SHA256 with the channel id as context. Channel ids are
// unique per plugin instance, so no key is ever reused across instances.
func deriveChannelKey(masterKey []byte, channelID string) ([]byte, error) {
	if len(masterKey) == 0 {
		return nil, fmt.Errorf("master key is empty")
	}
	r := hkdf.New(sha256.New, masterKey, nil, []byte("enclave-channel:"+channelID))
	key := make([]byte, channelKeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive channel key: %w", err)
	}
	return key, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return aead, nil
}

// seal encrypts plaintext with a random nonce prefixed to the result.
func seal(aead cipher.AEAD, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// open decrypts a frame produced by seal.
func open(aead cipher.AEAD, frame []byte) ([]byte, error) {
	if len(frame) < aead.NonceSize() {
		return nil, fmt.Errorf("frame shorter than nonce")
	}
	nonce, ciphertext := frame[:aead.NonceSize()], frame[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt frame: %w", err)
	}
	return plaintext, nil
}
