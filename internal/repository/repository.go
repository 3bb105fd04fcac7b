// Package repository is the durable source of truth for session records and
// global workspace configuration. State lives in a single JSON document,
// every read-modify-write runs under a cross process file lock.
package repository

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/werf/lockgate"
	"github.com/werf/lockgate/pkg/file_locker"

	"github.com/alexmorozenko/leapp/internal/config"
	"github.com/alexmorozenko/leapp/internal/session"
)

var (
	ErrSessionNotFound     = errors.New("session not in workspace")
	ErrProfileNotFound     = errors.New("profile not in workspace")
	ErrCannotLockWorkspace = errors.New("cannot acquire workspace lock")
	ErrCorruptWorkspace    = errors.New("workspace file is corrupt")
)

// maxChainDepth bounds parent resolution for chained sessions.
const maxChainDepth = 10

type workspace struct {
	Sessions         []session.Session        `json:"sessions"`
	Profiles         []session.NamedProfile   `json:"profiles"`
	DefaultRegion    string                   `json:"defaultRegion"`
	DefaultLocation  string                   `json:"defaultLocation"`
	SsoConfiguration session.SsoConfiguration `json:"awsSsoConfiguration"`
}

type Repository struct {
	path         string
	locker       lockgate.Locker
	lockResource string
}

func New(workspacePath string) (*Repository, error) {
	dir := filepath.Dir(workspacePath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("cannot create workspace dir %s: %w", dir, err)
	}
	locker, err := file_locker.NewFileLocker(filepath.Join(dir, "locks"))
	if err != nil {
		return nil, fmt.Errorf("cannot setup lock dir: %w", err)
	}
	return &Repository{
		path:         workspacePath,
		locker:       locker,
		lockResource: filepath.Base(workspacePath),
	}, nil
}

func (r *Repository) WithLocker(locker lockgate.Locker) *Repository {
	r.locker = locker
	return r
}

func (r *Repository) ensureLock() (func(), error) {
	acquired, lock, err := r.locker.Acquire(r.lockResource, lockgate.AcquireOptions{Shared: false, Timeout: 1 * time.Minute})
	if err != nil || !acquired {
		return nil, fmt.Errorf("%v, %w", err, ErrCannotLockWorkspace)
	}
	return func() {
		_ = r.locker.Release(lock)
	}, nil
}

func (r *Repository) load() (*workspace, error) {
	ws := &workspace{}
	b, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			ws.DefaultRegion = config.DEFAULT_REGION
			ws.DefaultLocation = config.DEFAULT_LOCATION
			ws.Profiles = []session.NamedProfile{{Id: uuid.NewString(), Name: config.DEFAULT_PROFILE}}
			return ws, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(b, ws); err != nil {
		return nil, fmt.Errorf("%s, %w", err, ErrCorruptWorkspace)
	}
	return ws, nil
}

func (r *Repository) save(ws *workspace) error {
	b, err := json.MarshalIndent(ws, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(r.path, b, 0600)
}

// update runs fn over the freshly loaded workspace and persists the result,
// all under the workspace lock.
func (r *Repository) update(fn func(ws *workspace) error) error {
	release, err := r.ensureLock()
	if err != nil {
		return err
	}
	defer release()

	ws, err := r.load()
	if err != nil {
		return err
	}
	if err := fn(ws); err != nil {
		return err
	}
	return r.save(ws)
}

func (r *Repository) read(fn func(ws *workspace) error) error {
	release, err := r.ensureLock()
	if err != nil {
		return err
	}
	defer release()

	ws, err := r.load()
	if err != nil {
		return err
	}
	return fn(ws)
}

func (r *Repository) AddSession(s session.Session) error {
	return r.update(func(ws *workspace) error {
		ws.Sessions = append(ws.Sessions, s)
		return nil
	})
}

func (r *Repository) GetSession(id string) (session.Session, error) {
	var found *session.Session
	err := r.read(func(ws *workspace) error {
		for i := range ws.Sessions {
			if ws.Sessions[i].Id == id {
				found = &ws.Sessions[i]
				return nil
			}
		}
		return fmt.Errorf("id %s, %w", id, ErrSessionNotFound)
	})
	if err != nil {
		return session.Session{}, err
	}
	return *found, nil
}

func (r *Repository) ListSessions() ([]session.Session, error) {
	var out []session.Session
	err := r.read(func(ws *workspace) error {
		out = append(out, ws.Sessions...)
		return nil
	})
	return out, err
}

// UpdateSession replaces the stored record with the same id.
func (r *Repository) UpdateSession(s session.Session) error {
	return r.update(func(ws *workspace) error {
		for i := range ws.Sessions {
			if ws.Sessions[i].Id == s.Id {
				ws.Sessions[i] = s
				return nil
			}
		}
		return fmt.Errorf("id %s, %w", s.Id, ErrSessionNotFound)
	})
}

func (r *Repository) DeleteSession(id string) error {
	return r.update(func(ws *workspace) error {
		for i := range ws.Sessions {
			if ws.Sessions[i].Id == id {
				ws.Sessions = append(ws.Sessions[:i], ws.Sessions[i+1:]...)
				return nil
			}
		}
		// deleting an already absent session is not an error
		return nil
	})
}

// SetSessions bulk-replaces the whole session set.
func (r *Repository) SetSessions(sessions []session.Session) error {
	return r.update(func(ws *workspace) error {
		ws.Sessions = append([]session.Session{}, sessions...)
		return nil
	})
}

// ResolveParentChain walks parent ids from the given chained session up to
// the first non chained ancestor. A missing link fails with
// ErrSessionNotFound, a loop or a chain deeper than maxChainDepth fails with
// session.ErrCycle.
func (r *Repository) ResolveParentChain(id string) ([]session.Session, error) {
	var chain []session.Session
	err := r.read(func(ws *workspace) error {
		byId := map[string]session.Session{}
		for _, s := range ws.Sessions {
			byId[s.Id] = s
		}
		current, ok := byId[id]
		if !ok {
			return fmt.Errorf("id %s, %w", id, ErrSessionNotFound)
		}
		visited := map[string]bool{current.Id: true}
		for depth := 0; current.Type == session.TypeIamRoleChained; depth++ {
			if depth >= maxChainDepth {
				return fmt.Errorf("chain from %s exceeds depth %d, %w", id, maxChainDepth, session.ErrCycle)
			}
			parent, ok := byId[current.ParentSessionId]
			if !ok {
				return fmt.Errorf("parent %s of %s, %w", current.ParentSessionId, current.Id, ErrSessionNotFound)
			}
			if visited[parent.Id] {
				return fmt.Errorf("parent %s revisited, %w", parent.Id, session.ErrCycle)
			}
			visited[parent.Id] = true
			chain = append(chain, parent)
			current = parent
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return chain, nil
}

func (r *Repository) GetProfileName(profileId string) (string, error) {
	var name string
	err := r.read(func(ws *workspace) error {
		for _, p := range ws.Profiles {
			if p.Id == profileId {
				name = p.Name
				return nil
			}
		}
		return fmt.Errorf("id %s, %w", profileId, ErrProfileNotFound)
	})
	return name, err
}

func (r *Repository) GetDefaultProfileId() (string, error) {
	var id string
	err := r.update(func(ws *workspace) error {
		for _, p := range ws.Profiles {
			if p.Name == config.DEFAULT_PROFILE {
				id = p.Id
				return nil
			}
		}
		p := session.NamedProfile{Id: uuid.NewString(), Name: config.DEFAULT_PROFILE}
		ws.Profiles = append(ws.Profiles, p)
		id = p.Id
		return nil
	})
	return id, err
}

// AddProfile registers a named profile, reusing an existing id when the name
// is already taken so two sessions never own distinct sections of the same
// name.
func (r *Repository) AddProfile(name string) (string, error) {
	var id string
	err := r.update(func(ws *workspace) error {
		for _, p := range ws.Profiles {
			if p.Name == name {
				id = p.Id
				return nil
			}
		}
		p := session.NamedProfile{Id: uuid.NewString(), Name: name}
		ws.Profiles = append(ws.Profiles, p)
		id = p.Id
		return nil
	})
	return id, err
}

func (r *Repository) GetDefaultRegion() (string, error) {
	var region string
	err := r.read(func(ws *workspace) error {
		region = ws.DefaultRegion
		if region == "" {
			region = config.DEFAULT_REGION
		}
		return nil
	})
	return region, err
}

func (r *Repository) SetDefaultRegion(region string) error {
	return r.update(func(ws *workspace) error {
		ws.DefaultRegion = region
		return nil
	})
}

func (r *Repository) GetSsoConfiguration() (session.SsoConfiguration, error) {
	var conf session.SsoConfiguration
	err := r.read(func(ws *workspace) error {
		conf = ws.SsoConfiguration
		return nil
	})
	return conf, err
}

func (r *Repository) SetSsoConfiguration(conf session.SsoConfiguration) error {
	return r.update(func(ws *workspace) error {
		ws.SsoConfiguration = conf
		return nil
	})
}

// ClearSsoConfigurationExpiration drops only the token expiration, keeping
// region and portal url for the next login.
func (r *Repository) ClearSsoConfigurationExpiration() error {
	return r.update(func(ws *workspace) error {
		ws.SsoConfiguration.ExpirationTime = time.Time{}
		return nil
	})
}
