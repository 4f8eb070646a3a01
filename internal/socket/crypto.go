package socket

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// decryptPayload implements spec §4.3's "payload-layer encryption": every
// inbound event payload is base64(iv[16] || ciphertext), AES-256-CBC,
// PKCS#7 padded. The key-derivation function is left to the implementation
// by spec §6 "must match the server's" — this daemon uses SHA-256(password)
// as the 32-byte key, a direct, single-round derivation with no salt since
// the server side has no per-install salt to share out of band.
func decryptPayload(password string, b64 string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("socket: decode payload: %w", err)
	}
	if len(raw) < aes.BlockSize {
		return nil, fmt.Errorf("socket: payload shorter than iv")
	}

	key := sha256.Sum256([]byte(password))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("socket: new cipher: %w", err)
	}

	iv := raw[:aes.BlockSize]
	ciphertext := raw[aes.BlockSize:]
	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("socket: ciphertext not block-aligned")
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	return unpadPKCS7(plaintext)
}

func unpadPKCS7(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("socket: empty plaintext")
	}
	pad := int(data[len(data)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(data) {
		return nil, fmt.Errorf("socket: invalid padding")
	}
	return data[:len(data)-pad], nil
}
