// Package config implements the Config Store: an encrypted key/value
// store for user-supplied secrets and preferences (API keys, device
// defaults), distinct from the process's startup TOML configuration in
// internal/config. Entries persist to their own snapshot file using the
// same write-tmp-then-fsync-then-rename idiom as every other store in
// this module (see persist.go).
package config

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/scrypt"

	conduit "github.com/forgeworks/conduit"
)

// fixedSalt is the scrypt salt. It is fixed rather than per-record
// because the master secret itself is the actual secret material; a
// fixed salt only needs to stop rainbow-table attacks against the
// (never persisted) master secret, not against individual records.
var fixedSalt = []byte("conduit-config-store-v1")

const (
	scryptN      = 32768
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
)

// deriveKey runs scrypt over the master secret to produce an AES-256 key.
func deriveKey(master string) ([]byte, error) {
	key, err := scrypt.Key([]byte(master), fixedSalt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("config: derive key: %w", err)
	}
	return key, nil
}

// Store holds conduit.ConfigEntry records, encrypting every value with
// AES-256-GCM before it touches disk. Records are kept as
// "iv:authTag:ciphertext" colon-hex inside EncryptedValue.
type Store struct {
	path string
	aead cipher.AEAD

	mu      sync.RWMutex
	entries map[string]conduit.ConfigEntry
}

// New builds a Store backed by path, deriving its AES key from master via
// scrypt. master is never itself persisted. Call Load before first use.
func New(path, master string) (*Store, error) {
	key, err := deriveKey(master)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("config: new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("config: new gcm: %w", err)
	}
	return &Store{path: path, aead: aead, entries: make(map[string]conduit.ConfigEntry)}, nil
}

// Load reads the snapshot file from disk. A missing file is not an error.
func (s *Store) Load() error {
	var list []conduit.ConfigEntry
	if err := loadJSON(s.path, &list); err != nil {
		return conduit.WrapFatal("config.store.load", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]conduit.ConfigEntry, len(list))
	for _, e := range list {
		s.entries[e.Key] = e
	}
	return nil
}

// Set encrypts value and upserts the ConfigEntry under key, persisting.
func (s *Store) Set(ctx context.Context, key, category, description string, masked bool, value string) error {
	record, err := s.seal(value)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = conduit.ConfigEntry{
		Key:            key,
		Category:       category,
		Description:    description,
		Masked:         masked,
		UpdatedAt:      conduit.NowUnix(),
		EncryptedValue: record,
	}
	return s.saveLocked()
}

// Get decrypts and returns the plaintext value stored under key. A
// missing key returns "", nil.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return "", nil
	}
	return s.open(key, entry.EncryptedValue)
}

// List returns every ConfigEntry's metadata, with masked entries'
// displayed value replaced by a redacted form (first 2 + asterisks +
// last 2 of the plaintext) instead of the plaintext itself.
func (s *Store) List(ctx context.Context) ([]conduit.ConfigEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]conduit.ConfigEntry, 0, len(s.entries))
	for _, e := range s.entries {
		display := e
		display.EncryptedValue = ""
		if e.Masked {
			plaintext, err := s.open(e.Key, e.EncryptedValue)
			if err == nil {
				display.EncryptedValue = maskValue(plaintext)
			}
		}
		out = append(out, display)
	}
	return out, nil
}

// Delete removes the entry under key, persisting.
func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[key]; !ok {
		return conduit.NewError(conduit.ClassNotFound, "config.store.delete", "config key not found: "+key)
	}
	delete(s.entries, key)
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	list := make([]conduit.ConfigEntry, 0, len(s.entries))
	for _, e := range s.entries {
		list = append(list, e)
	}
	return saveJSON(s.path, list)
}

func (s *Store) seal(value string) (string, error) {
	iv := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("config: read nonce: %w", err)
	}

	sealed := s.aead.Seal(nil, iv, []byte(value), nil)
	// Go's GCM.Seal appends the auth tag to the ciphertext; split it back
	// out so the persisted record matches the iv:authTag:ciphertext shape.
	tagLen := s.aead.Overhead()
	ciphertext := sealed[:len(sealed)-tagLen]
	tag := sealed[len(sealed)-tagLen:]

	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(tag) + ":" + hex.EncodeToString(ciphertext), nil
}

func (s *Store) open(key, record string) (string, error) {
	if record == "" {
		return "", nil
	}
	iv, tag, ciphertext, err := parseRecord(record)
	if err != nil {
		return "", fmt.Errorf("config: parse record for %q: %w", key, err)
	}
	plaintext, err := s.aead.Open(nil, iv, append(ciphertext, tag...), nil)
	if err != nil {
		return "", fmt.Errorf("config: decrypt %q: %w", key, err)
	}
	return string(plaintext), nil
}

func parseRecord(record string) (iv, tag, ciphertext []byte, err error) {
	parts := splitThree(record, ':')
	if parts == nil {
		return nil, nil, nil, fmt.Errorf("malformed record: expected iv:authTag:ciphertext")
	}
	iv, err = hex.DecodeString(parts[0])
	if err != nil {
		return nil, nil, nil, fmt.Errorf("decode iv: %w", err)
	}
	tag, err = hex.DecodeString(parts[1])
	if err != nil {
		return nil, nil, nil, fmt.Errorf("decode auth tag: %w", err)
	}
	ciphertext, err = hex.DecodeString(parts[2])
	if err != nil {
		return nil, nil, nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	return iv, tag, ciphertext, nil
}

// splitThree splits s into exactly three colon-delimited fields, or
// returns nil if s doesn't have exactly two separators.
func splitThree(s string, sep byte) []string {
	var fields []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			fields = append(fields, s[start:i])
			start = i + 1
		}
	}
	fields = append(fields, s[start:])
	if len(fields) != 3 {
		return nil
	}
	return fields
}

// maskValue truncates plaintext to its first two and last two characters,
// joined by asterisks, for display in List without exposing the secret.
func maskValue(plaintext string) string {
	if len(plaintext) <= 4 {
		return "****"
	}
	return plaintext[:2] + "****" + plaintext[len(plaintext)-2:]
}
