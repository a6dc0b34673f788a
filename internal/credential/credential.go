// Package credential stores IMAP passwords in the system keyring.
package credential

import (
	"errors"
	"fmt"

	"github.com/99designs/keyring"
)

const serviceName = "imapsync"

// ErrNotFound is returned by Store.Password when no password is stored for
// an account.
var ErrNotFound = errors.New("credential: password not found")

// Store reads and writes account passwords.
type Store struct {
	ring keyring.Keyring
}

// Open opens the system keyring. dir is used by the encrypted file backend
// when no native keyring is available.
func Open(dir string) (*Store, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  dir,
		FilePasswordFunc:         keyring.FixedStringPrompt("imapsync-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return &Store{ring: ring}, nil
}

// NewStore wraps an existing keyring.
func NewStore(ring keyring.Keyring) *Store {
	return &Store{ring: ring}
}

func accountKey(username, server string) string {
	return username + "@" + server
}

// Password returns the password of username on server.
func (s *Store) Password(username, server string) (string, error) {
	key := accountKey(username, server)
	item, err := s.ring.Get(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", ErrNotFound
	} else if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", key, err)
	}
	return string(item.Data), nil
}

// SetPassword stores the password of username on server.
func (s *Store) SetPassword(username, server, password string) error {
	key := accountKey(username, server)
	err := s.ring.Set(keyring.Item{
		Key:   key,
		Data:  []byte(password),
		Label: "imapsync " + key,
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}
	return nil
}

// DeletePassword removes the password of username on server.
func (s *Store) DeletePassword(username, server string) error {
	key := accountKey(username, server)
	if err := s.ring.Remove(key); err != nil {
		return fmt.Errorf("deleting credential %q: %w", key, err)
	}
	return nil
}
