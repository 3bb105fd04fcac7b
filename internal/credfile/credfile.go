// Package credfile owns the shared AWS credential file. All writes go
// through a single load-modify-save path guarded by a cross process file
// lock, so one section can be replaced without disturbing the rest of a
// file other tools also read.
package credfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/werf/lockgate"
	"github.com/werf/lockgate/pkg/file_locker"
	ini "gopkg.in/ini.v1"

	"github.com/alexmorozenko/leapp/internal/session"
)

var (
	ErrCannotLockFile = errors.New("cannot acquire credential file lock")
	ErrCannotLoadFile = errors.New("cannot load credential file")
)

type Writer struct {
	path         string
	locker       lockgate.Locker
	lockResource string
}

func NewWriter(credentialsPath, lockDir string) (*Writer, error) {
	locker, err := file_locker.NewFileLocker(lockDir)
	if err != nil {
		return nil, fmt.Errorf("cannot setup lock dir %s: %w", lockDir, err)
	}
	return &Writer{
		path:         credentialsPath,
		locker:       locker,
		lockResource: "aws-credentials",
	}, nil
}

func (w *Writer) WithLocker(locker lockgate.Locker) *Writer {
	w.locker = locker
	return w
}

func (w *Writer) ensureLock() (func(), error) {
	acquired, lock, err := w.locker.Acquire(w.lockResource, lockgate.AcquireOptions{Shared: false, Timeout: 1 * time.Minute})
	if err != nil || !acquired {
		return nil, fmt.Errorf("%v, %w", err, ErrCannotLockFile)
	}
	return func() {
		_ = w.locker.Release(lock)
	}, nil
}

func (w *Writer) loadOrCreate() (*ini.File, error) {
	if _, err := os.Stat(w.path); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(w.path), 0700); err != nil {
			return nil, err
		}
		if err := os.WriteFile(w.path, []byte{}, 0600); err != nil {
			return nil, err
		}
	}
	cfg, err := ini.Load(w.path)
	if err != nil {
		return nil, fmt.Errorf("%s, %w", err, ErrCannotLoadFile)
	}
	return cfg, nil
}

// ApplySection writes the credential bundle under the named profile,
// replacing any previous section of the same name.
func (w *Writer) ApplySection(profileName string, creds session.CredentialsInfo) error {
	release, err := w.ensureLock()
	if err != nil {
		return err
	}
	defer release()

	cfg, err := w.loadOrCreate()
	if err != nil {
		return err
	}
	cfg.DeleteSection(profileName)
	sct := cfg.Section(profileName)
	sct.Key("aws_access_key_id").SetValue(creds.AccessKeyId)
	sct.Key("aws_secret_access_key").SetValue(creds.SecretAccessKey)
	sct.Key("aws_session_token").SetValue(creds.SessionToken)
	if creds.Region != "" {
		sct.Key("region").SetValue(creds.Region)
	}
	return cfg.SaveTo(w.path)
}

// RemoveSection deletes the named profile section, no-op when absent.
func (w *Writer) RemoveSection(profileName string) error {
	release, err := w.ensureLock()
	if err != nil {
		return err
	}
	defer release()

	cfg, err := w.loadOrCreate()
	if err != nil {
		return err
	}
	if _, err := cfg.GetSection(profileName); err != nil {
		return nil
	}
	cfg.DeleteSection(profileName)
	return cfg.SaveTo(w.path)
}

// HasSection reports whether the profile section is currently applied.
func (w *Writer) HasSection(profileName string) (bool, error) {
	release, err := w.ensureLock()
	if err != nil {
		return false, err
	}
	defer release()

	cfg, err := w.loadOrCreate()
	if err != nil {
		return false, err
	}
	_, err = cfg.GetSection(profileName)
	return err == nil, nil
}
