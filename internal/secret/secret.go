// Package secret wraps the OS keychain behind the (service, account) shaped
// contract the session services consume.
package secret

import (
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

var ErrSecretNotFound = errors.New("secret not found")

// Keyring mirrors go-keyring so tests can swap in a map backed fake.
type Keyring interface {
	Set(service, user, password string) error
	Get(service, user string) (string, error)
	Delete(service, user string) error
}

type keyRingImpl struct{}

func (k *keyRingImpl) Set(service, user, password string) error {
	return keyring.Set(service, user, password)
}
func (k *keyRingImpl) Get(service, user string) (string, error) {
	return keyring.Get(service, user)
}
func (k *keyRingImpl) Delete(service, user string) error {
	return keyring.Delete(service, user)
}

type Store struct {
	service string
	keyring Keyring
}

func NewStore(service string) *Store {
	return &Store{service: service, keyring: &keyRingImpl{}}
}

func (s *Store) WithKeyring(kr Keyring) *Store {
	s.keyring = kr
	return s
}

func (s *Store) GetSecret(key string) (string, error) {
	v, err := s.keyring.Get(s.service, key)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", fmt.Errorf("%s, %w", key, ErrSecretNotFound)
		}
		return "", err
	}
	return v, nil
}

func (s *Store) SaveSecret(key, value string) error {
	return s.keyring.Set(s.service, key, value)
}

// DeleteSecret is idempotent, removing an absent secret is not an error.
func (s *Store) DeleteSecret(key string) error {
	if err := s.keyring.Delete(s.service, key); err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil
		}
		return err
	}
	return nil
}
