package encryption

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/benmeehan/display-ota/pkg/file"
)

// RequestSigner produces the HMAC headers a provisioned device attaches to
// authenticated update requests.
type RequestSigner interface {
	Serial() string
	Sign(timestamp int64, body []byte) string
}

// HMACSigner signs "<serial>:<timestamp>:<hex sha256(body)>" with HMAC-SHA256.
// The HMAC key is the lowercase hex SHA-256 of the device secret, which is
// what the update server stores for the device.
type HMACSigner struct {
	serial     string
	keyHash    []byte
	fileClient file.FileOperations
}

// NewHMACSigner creates a signer for the given device serial.
func NewHMACSigner(serial string, fileClient file.FileOperations) *HMACSigner {
	return &HMACSigner{serial: serial, fileClient: fileClient}
}

// Initialize loads the hex encoded device secret from keyPath and derives the
// key hash from it. Surrounding whitespace is ignored.
func (s *HMACSigner) Initialize(keyPath string) error {
	raw, err := s.fileClient.ReadFileRaw(keyPath)
	if err != nil {
		return fmt.Errorf("failed to read signing key: %w", err)
	}
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return fmt.Errorf("signing key %s is empty", keyPath)
	}
	secret, err := hex.DecodeString(text)
	if err != nil {
		return fmt.Errorf("signing key %s is not hex: %w", keyPath, err)
	}
	s.WithSecret(secret)
	return nil
}

// WithSecret derives the key hash from the raw device secret.
func (s *HMACSigner) WithSecret(secret []byte) *HMACSigner {
	return s.WithKeyHash(sha256Hex(secret))
}

// WithKeyHash sets the hex key hash directly.
func (s *HMACSigner) WithKeyHash(keyHash string) *HMACSigner {
	s.keyHash = []byte(strings.ToLower(keyHash))
	return s
}

func (s *HMACSigner) Serial() string {
	return s.serial
}

// Sign returns the lowercase hex HMAC-SHA256 signature.
func (s *HMACSigner) Sign(timestamp int64, body []byte) string {
	message := s.serial + ":" + strconv.FormatInt(timestamp, 10) + ":" + sha256Hex(body)
	h := hmac.New(sha256.New, s.keyHash)
	h.Write([]byte(message))
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks a signature produced by Sign in constant time.
func (s *HMACSigner) Verify(timestamp int64, body []byte, signature string) bool {
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	want, _ := hex.DecodeString(s.Sign(timestamp, body))
	return hmac.Equal(got, want)
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
