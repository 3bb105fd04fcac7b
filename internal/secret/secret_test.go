package secret_test

import (
	"errors"
	"testing"

	"github.com/zalando/go-keyring"

	"github.com/alexmorozenko/leapp/internal/secret"
)

type mockKeyring struct {
	store map[string]string
}

func newMockKeyring() *mockKeyring {
	return &mockKeyring{store: map[string]string{}}
}

func (m *mockKeyring) Set(service, user, password string) error {
	m.store[service+"/"+user] = password
	return nil
}

func (m *mockKeyring) Get(service, user string) (string, error) {
	v, ok := m.store[service+"/"+user]
	if !ok {
		return "", keyring.ErrNotFound
	}
	return v, nil
}

func (m *mockKeyring) Delete(service, user string) error {
	if _, ok := m.store[service+"/"+user]; !ok {
		return keyring.ErrNotFound
	}
	delete(m.store, service+"/"+user)
	return nil
}

func Test_secret_roundtrip(t *testing.T) {
	s := secret.NewStore("broker-test").WithKeyring(newMockKeyring())

	if err := s.SaveSecret("token", "abcd"); err != nil {
		t.Fatalf("got %s, wanted <nil>", err)
	}
	got, err := s.GetSecret("token")
	if err != nil {
		t.Fatalf("got %s, wanted <nil>", err)
	}
	if got != "abcd" {
		t.Errorf("got %s, wanted %s", got, "abcd")
	}
}

func Test_missing_secret_maps_to_the_shared_sentinel(t *testing.T) {
	s := secret.NewStore("broker-test").WithKeyring(newMockKeyring())
	_, err := s.GetSecret("never-saved")
	if !errors.Is(err, secret.ErrSecretNotFound) {
		t.Errorf("got %v, wanted %s", err, secret.ErrSecretNotFound)
	}
}

func Test_delete_is_idempotent(t *testing.T) {
	s := secret.NewStore("broker-test").WithKeyring(newMockKeyring())

	if err := s.SaveSecret("token", "abcd"); err != nil {
		t.Fatalf("got %s, wanted <nil>", err)
	}
	if err := s.DeleteSecret("token"); err != nil {
		t.Errorf("got %s, wanted <nil>", err)
	}
	if err := s.DeleteSecret("token"); err != nil {
		t.Errorf("got %s, wanted <nil> on a second delete", err)
	}
}
