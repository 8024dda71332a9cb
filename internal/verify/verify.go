// Package verify checks downloaded artifacts and release manifests.
//
// Artifacts are verified by SHA-256 digest; manifests by an Ed25519
// signature over their canonical bytes. A verifier without a public key
// fails closed unless explicitly configured to accept unsigned manifests.
package verify

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/adamancini/airdb/internal/manifest"
)

const chunkSize = 64 * 1024

var (
	// ErrInvalidSignature is returned when a manifest signature is absent,
	// malformed or does not match the public key.
	ErrInvalidSignature = errors.New("invalid manifest signature")
	// ErrMissingPublicKey is returned when signature verification is required
	// but no public key is configured.
	ErrMissingPublicKey = errors.New("no public key configured for manifest verification")
	// ErrInvalidPublicKey is returned for keys that are not 32 hex-encoded bytes.
	ErrInvalidPublicKey = errors.New("invalid public key")
)

// ChecksumMismatchError reports a digest that differs from the expected one.
type ChecksumMismatchError struct {
	Path     string
	Expected string
	Actual   string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s: expected %s, got %s", e.Path, e.Expected, e.Actual)
}

// Checksum streams a file through SHA-256 and returns the lowercase hex digest.
func Checksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, chunkSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyChecksum compares a file's digest with the expected hex digest,
// ignoring case.
func VerifyChecksum(path, expected string) error {
	actual, err := Checksum(path)
	if err != nil {
		return err
	}
	if !strings.EqualFold(actual, strings.TrimSpace(expected)) {
		return &ChecksumMismatchError{Path: path, Expected: strings.ToLower(expected), Actual: actual}
	}
	return nil
}

// Verifier checks manifest signatures against a trusted public key.
type Verifier struct {
	publicKey     ed25519.PublicKey
	allowUnsigned bool
}

// NewVerifier creates a verifier. publicKey may be nil.
func NewVerifier(publicKey ed25519.PublicKey) *Verifier {
	return &Verifier{publicKey: publicKey}
}

// AllowUnsigned makes a verifier without a public key accept manifests
// instead of rejecting them.
func (v *Verifier) AllowUnsigned(allow bool) *Verifier {
	v.allowUnsigned = allow
	return v
}

// HasKey reports whether a public key is configured.
func (v *Verifier) HasKey() bool {
	return len(v.publicKey) == ed25519.PublicKeySize
}

// VerifyManifest checks the manifest signature.
func (v *Verifier) VerifyManifest(m *manifest.Manifest) error {
	if !v.HasKey() {
		if v.allowUnsigned {
			log.Warnf("manifest %s accepted without signature verification", m.Version)
			return nil
		}
		return ErrMissingPublicKey
	}
	return VerifyManifestSignature(m, v.publicKey)
}

// VerifyManifestSignature checks the hex-encoded Ed25519 signature of a
// manifest against its canonical bytes.
func VerifyManifestSignature(m *manifest.Manifest, publicKey ed25519.PublicKey) error {
	sig, err := hex.DecodeString(strings.TrimSpace(m.Signature))
	if err != nil || len(sig) != ed25519.SignatureSize {
		return ErrInvalidSignature
	}

	msg, err := m.CanonicalBytes()
	if err != nil {
		return err
	}

	if !ed25519.Verify(publicKey, msg, sig) {
		return ErrInvalidSignature
	}
	return nil
}

// SignManifest signs the canonical bytes of m and stores the hex signature
// in m.Signature.
func SignManifest(m *manifest.Manifest, privateKey ed25519.PrivateKey) error {
	if len(privateKey) != ed25519.PrivateKeySize {
		return fmt.Errorf("invalid private key length %d", len(privateKey))
	}
	msg, err := m.CanonicalBytes()
	if err != nil {
		return err
	}
	m.Signature = hex.EncodeToString(ed25519.Sign(privateKey, msg))
	return nil
}

// GenerateKey creates a new signing key pair.
func GenerateKey() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return pub, priv, nil
}

// ParsePublicKey decodes a hex-encoded 32-byte public key.
func ParsePublicKey(s string) (ed25519.PublicKey, error) {
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidPublicKey, ed25519.PublicKeySize, len(b))
	}
	return ed25519.PublicKey(b), nil
}

// ParsePrivateKey decodes a hex-encoded private key. Both the 32-byte seed
// and the 64-byte expanded form are accepted.
func ParsePrivateKey(s string) (ed25519.PrivateKey, error) {
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	switch len(b) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(b), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(b), nil
	default:
		return nil, fmt.Errorf("invalid private key length %d", len(b))
	}
}
