package profile

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const signatureInfo = "vibelink-peer-signature-v1"

// Signature derives the one-way peer signature for an owner id. The same
// owner and salt always produce the same signature; the owner id cannot be
// recovered from it.
func Signature(ownerID string, salt []byte) (string, error) {
	if ownerID == "" {
		return "", fmt.Errorf("deriving signature: empty owner id")
	}
	r := hkdf.New(sha256.New, []byte(ownerID), salt, []byte(signatureInfo))
	out := make([]byte, 16)
	if _, err := io.ReadFull(r, out); err != nil {
		return "", fmt.Errorf("deriving signature: %w", err)
	}
	return hex.EncodeToString(out), nil
}
