package bundler

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"filippo.io/age"
	"github.com/btcsuite/btcutil/bech32"
)

// Environment variables holding the bundle keys. Build hosts set the signing key,
// import hosts usually only the verify key.
const (
	EnvSigningKey = "PXEPROV_SIGNING_KEY"
	EnvVerifyKey  = "PXEPROV_VERIFY_KEY"
)

const ageSecretHRP = "age-secret-key-"

var (
	// ErrNoKeys is returned when neither a signing nor a verify key is configured.
	ErrNoKeys = errors.New("no bundle keys configured")
	// ErrVerifyOnly is returned by Sign on a signer built from a verify key alone.
	ErrVerifyOnly = errors.New("signer holds only a verify key")
	// ErrKeyMismatch means two keys that must describe the same pair do not.
	ErrKeyMismatch = errors.New("bundle keys do not match")
	// ErrBadSignature means the manifest was altered or signed by someone else.
	ErrBadSignature = errors.New("manifest signature does not verify")
)

// Signer signs and verifies bundle manifests. The Ed25519 pair is derived from the
// seed of an age X25519 identity so operators manage a single age key.
type Signer struct {
	private   ed25519.PrivateKey
	public    ed25519.PublicKey
	recipient string
}

// NewSignerFromEnv reads the keys from PXEPROV_SIGNING_KEY and PXEPROV_VERIFY_KEY.
func NewSignerFromEnv() (*Signer, error) {
	secret := strings.TrimSpace(os.Getenv(EnvSigningKey))
	verify := strings.TrimSpace(os.Getenv(EnvVerifyKey))
	if secret == "" && verify == "" {
		return nil, fmt.Errorf("%w: set %s to build bundles or %s to import them", ErrNoKeys, EnvSigningKey, EnvVerifyKey)
	}
	return NewSigner(secret, verify)
}

// NewSigner builds a Signer from an age secret key, a base64 verify key, or both.
// When both are given they must belong together.
func NewSigner(secret, verify string) (*Signer, error) {
	s := &Signer{}
	if secret != "" {
		priv, recipient, err := parseSigningKey(secret)
		if err != nil {
			return nil, err
		}
		s.private = priv
		s.public = priv.Public().(ed25519.PublicKey)
		s.recipient = recipient
	}
	if verify != "" {
		pub, err := parseVerifyKey(verify)
		if err != nil {
			return nil, err
		}
		if s.public != nil && !s.public.Equal(pub) {
			return nil, fmt.Errorf("%w: %s is not the verify key of %s", ErrKeyMismatch, EnvVerifyKey, EnvSigningKey)
		}
		s.public = pub
	}
	if s.public == nil {
		return nil, ErrNoKeys
	}
	return s, nil
}

// GenerateKey returns a fresh age secret key and its verify key.
func GenerateKey() (secret, verify string, err error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return "", "", fmt.Errorf("generate age identity: %w", err)
	}
	s, err := NewSigner(identity.String(), "")
	if err != nil {
		return "", "", err
	}
	return identity.String(), s.PublicKeyBase64(), nil
}

// Sign returns the base64 signature of payload.
func (s *Signer) Sign(payload []byte) (string, error) {
	if s == nil || len(s.private) == 0 {
		return "", ErrVerifyOnly
	}
	return base64.StdEncoding.EncodeToString(ed25519.Sign(s.private, payload)), nil
}

// Verify checks signature over payload. signedBy is the verify key recorded in the
// manifest; when present it has to be ours.
func (s *Signer) Verify(payload []byte, signature, signedBy string) error {
	if s == nil {
		return ErrNoKeys
	}
	if signedBy != "" {
		pub, err := parseVerifyKey(signedBy)
		if err != nil {
			return fmt.Errorf("manifest key: %w", err)
		}
		if !s.public.Equal(pub) {
			return fmt.Errorf("%w: manifest was signed with another key", ErrKeyMismatch)
		}
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(signature))
	if err != nil || len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("%w: malformed signature", ErrBadSignature)
	}
	if !ed25519.Verify(s.public, payload, sig) {
		return ErrBadSignature
	}
	return nil
}

// PublicKeyBase64 is the verify key handed to import hosts.
func (s *Signer) PublicKeyBase64() string {
	if s == nil || len(s.public) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(s.public)
}

// Recipient is the age recipient of the signing key, empty for verify-only signers.
func (s *Signer) Recipient() string {
	if s == nil {
		return ""
	}
	return s.recipient
}

// parseSigningKey turns an AGE-SECRET-KEY-1... string into an Ed25519 key using its
// 32 byte payload as the seed.
func parseSigningKey(secret string) (ed25519.PrivateKey, string, error) {
	hrp, data, err := bech32.Decode(secret)
	if err != nil {
		return nil, "", fmt.Errorf("%s: %w", EnvSigningKey, err)
	}
	if !strings.EqualFold(hrp, ageSecretHRP) {
		return nil, "", fmt.Errorf("%s: not an age secret key (prefix %q)", EnvSigningKey, hrp)
	}
	seed, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, "", fmt.Errorf("%s: %w", EnvSigningKey, err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, "", fmt.Errorf("%s: key holds %d bytes, want %d", EnvSigningKey, len(seed), ed25519.SeedSize)
	}

	var recipient string
	if identity, err := age.ParseX25519Identity(secret); err == nil {
		recipient = identity.Recipient().String()
	}
	return ed25519.NewKeyFromSeed(seed), recipient, nil
}

func parseVerifyKey(raw string) (ed25519.PublicKey, error) {
	b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("verify key: %w", err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("verify key holds %d bytes, want %d", len(b), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(b), nil
}
