// Package crypto covers the integrity and confidentiality primitives of the
// update pipeline: content hashing, session-key decryption of encrypted
// bundles, brotli decompression of manifest payloads, and id derivation.
//
// The session key delivered by the update server has the form
// "<iv-base64>:<rsa-encrypted-aes-key-base64>". The AES key is recovered with
// the configured RSA public key (the server encrypts with its private key),
// then the bundle payload and optionally the checksum field are decrypted
// with AES-128-CBC.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"os"
	"strings"

	"github.com/ah2048/electron-updater/pkg/errors"
	"github.com/andybalholm/brotli"
	"github.com/google/uuid"
)

// KeyIDLength is the number of PEM-body characters used as the key id.
const KeyIDLength = 20

// Crypto holds the optional configured public key.
type Crypto struct {
	publicKey *rsa.PublicKey
}

// New creates a Crypto from an optional PEM-encoded RSA public key.
// An empty PEM yields a Crypto that cannot decrypt session keys.
func New(publicKeyPEM string) (*Crypto, error) {
	c := &Crypto{}
	if strings.TrimSpace(publicKeyPEM) == "" {
		return c, nil
	}

	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("invalid public key PEM")
	}

	if key, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("public key is not RSA")
		}
		c.publicKey = rsaKey
		return c, nil
	}

	rsaKey, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse public key")
	}
	c.publicKey = rsaKey
	return c, nil
}

// HashFile returns the hex-encoded SHA-256 digest of the file at path.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrap(err, "failed to open file for hashing")
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", errors.Wrap(err, "failed to hash file")
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashBytes returns the hex-encoded SHA-256 digest of b.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// VerifyFile reports whether the file's digest equals expected. The
// comparison is constant time over the decoded digests.
func VerifyFile(path, expected string) (bool, error) {
	actual, err := HashFile(path)
	if err != nil {
		return false, err
	}
	return digestsEqual(actual, expected), nil
}

func digestsEqual(a, b string) bool {
	ab, errA := hex.DecodeString(strings.ToLower(a))
	bb, errB := hex.DecodeString(strings.ToLower(b))
	if errA != nil || errB != nil || len(ab) != len(bb) {
		// Fall back to constant-time string comparison for non-hex input.
		return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
	}
	return subtle.ConstantTimeCompare(ab, bb) == 1
}

// sessionCipher recovers the iv and AES key from a session key field.
func (c *Crypto) sessionCipher(sessionKey string) (iv, key []byte, err error) {
	if c.publicKey == nil {
		return nil, nil, fmt.Errorf("no public key configured")
	}
	parts := strings.SplitN(sessionKey, ":", 2)
	if len(parts) != 2 {
		return nil, nil, fmt.Errorf("malformed session key")
	}
	iv, err = base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to decode session iv")
	}
	encKey, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to decode session key")
	}
	key, err = publicDecrypt(c.publicKey, encKey)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to recover session key")
	}
	if len(iv) != aes.BlockSize {
		return nil, nil, fmt.Errorf("session iv must be %d bytes", aes.BlockSize)
	}
	return iv, key, nil
}

// publicDecrypt performs the raw RSA public-key operation c^e mod n and
// strips PKCS#1 v1.5 type-1 padding. The update server encrypts the session
// key with its private key; only the matching public key recovers it.
func publicDecrypt(pub *rsa.PublicKey, ciphertext []byte) ([]byte, error) {
	k := pub.Size()
	if len(ciphertext) != k {
		return nil, fmt.Errorf("ciphertext length %d does not match key size %d", len(ciphertext), k)
	}

	c := new(big.Int).SetBytes(ciphertext)
	if c.Cmp(pub.N) >= 0 {
		return nil, fmt.Errorf("ciphertext out of range")
	}
	m := new(big.Int).Exp(c, big.NewInt(int64(pub.E)), pub.N)

	em := m.FillBytes(make([]byte, k))
	if em[0] != 0x00 || em[1] != 0x01 {
		return nil, fmt.Errorf("invalid padding header")
	}
	sep := bytes.IndexByte(em[2:], 0x00)
	if sep < 8 { // at least eight 0xFF padding bytes
		return nil, fmt.Errorf("invalid padding")
	}
	for _, b := range em[2 : 2+sep] {
		if b != 0xFF {
			return nil, fmt.Errorf("invalid padding byte")
		}
	}
	return em[2+sep+1:], nil
}

func aesCBCDecrypt(data, key, iv []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext is not a whole number of blocks")
	}
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)

	// PKCS#7 unpad
	pad := int(out[len(out)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(out) {
		return nil, fmt.Errorf("invalid padding length")
	}
	for _, b := range out[len(out)-pad:] {
		if int(b) != pad {
			return nil, fmt.Errorf("invalid padding")
		}
	}
	return out[:len(out)-pad], nil
}

// DecryptChecksum decodes a session-key-encrypted base64 checksum field.
// Returns "" on any format or decryption error; the caller then uses the
// raw field verbatim as the expected digest.
func (c *Crypto) DecryptChecksum(encrypted, sessionKey string) string {
	iv, key, err := c.sessionCipher(sessionKey)
	if err != nil {
		slog.Debug("checksum_decrypt_skipped", "error", err)
		return ""
	}
	data, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		slog.Debug("checksum_decrypt_skipped", "error", err)
		return ""
	}
	plain, err := aesCBCDecrypt(data, key, iv)
	if err != nil {
		slog.Debug("checksum_decrypt_failed", "error", err)
		return ""
	}
	return string(plain)
}

// DecryptFile decrypts the downloaded payload at path in place using the
// session key.
func (c *Crypto) DecryptFile(path, sessionKey string) error {
	iv, key, err := c.sessionCipher(sessionKey)
	if err != nil {
		return errors.Wrap(err, "session key")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "failed to read encrypted payload")
	}
	plain, err := aesCBCDecrypt(data, key, iv)
	if err != nil {
		return errors.Wrap(err, "payload decrypt")
	}
	if err := os.WriteFile(path, plain, 0o644); err != nil {
		return errors.Wrap(err, "failed to write decrypted payload")
	}
	slog.Info("bundle_decrypted", "path", path, "size", len(plain))
	return nil
}

// TryDecompressBrotli returns the decompressed bytes when b is a valid
// brotli stream, else b unchanged.
func TryDecompressBrotli(b []byte) []byte {
	out, err := io.ReadAll(brotli.NewReader(bytes.NewReader(b)))
	if err != nil {
		return b
	}
	return out
}

// GenerateBundleID returns a cryptographically random opaque bundle id.
// Never returns the reserved builtin id.
func GenerateBundleID() string {
	return uuid.NewString()
}

// DeriveKeyID strips the PEM armor and whitespace from publicKeyPEM and
// returns the first KeyIDLength characters of the remainder, "" when empty.
func DeriveKeyID(publicKeyPEM string) string {
	var body strings.Builder
	for _, line := range strings.Split(publicKeyPEM, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "-----") {
			continue
		}
		body.WriteString(line)
	}
	stripped := body.String()
	if stripped == "" {
		return ""
	}
	if len(stripped) < KeyIDLength {
		return stripped
	}
	return stripped[:KeyIDLength]
}
