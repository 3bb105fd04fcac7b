// Package service implements the per variant credential protocols behind a
// single SessionService contract, selected through the Factory by session
// type tag.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aws/smithy-go"
	"github.com/sirupsen/logrus"

	"github.com/alexmorozenko/leapp/internal/repository"
	"github.com/alexmorozenko/leapp/internal/session"
)

// CreateRequest carries the union of variant creation attributes, each
// service reads only the fields of its variant.
type CreateRequest struct {
	Name   string
	Region string

	// iam user
	AccessKey string
	SecretKey string
	MfaDevice string

	// federated
	IdpUrl string
	IdpArn string

	// federated, chained, sso
	RoleArn string

	// chained
	ParentSessionId string

	// sso
	Email string

	// azure
	SubscriptionId string
	TenantId       string
}

// SessionService is the shared capability set of every session variant.
type SessionService interface {
	Create(ctx context.Context, req CreateRequest, profileId string) (session.Session, error)
	GenerateCredentials(ctx context.Context, sessionId string) (session.CredentialsInfo, error)
	ApplyCredentials(ctx context.Context, sessionId string, creds session.CredentialsInfo) error
	DeApplyCredentials(ctx context.Context, sessionId string) error
	RemoveSecrets(ctx context.Context, sessionId string)
	Start(ctx context.Context, sessionId string) error
	Stop(ctx context.Context, sessionId string) error
}

// Repository is the durable session and configuration store the services
// mutate, implemented by the repository package.
type Repository interface {
	AddSession(s session.Session) error
	GetSession(id string) (session.Session, error)
	ListSessions() ([]session.Session, error)
	UpdateSession(s session.Session) error
	DeleteSession(id string) error
	SetSessions(sessions []session.Session) error
	ResolveParentChain(id string) ([]session.Session, error)
	GetProfileName(profileId string) (string, error)
	GetDefaultProfileId() (string, error)
	GetDefaultRegion() (string, error)
	GetSsoConfiguration() (session.SsoConfiguration, error)
	SetSsoConfiguration(conf session.SsoConfiguration) error
	ClearSsoConfigurationExpiration() error
}

// SecretStore is the opaque secret persistence contract.
type SecretStore interface {
	GetSecret(key string) (string, error)
	SaveSecret(key, value string) error
	DeleteSecret(key string) error
}

// CredentialWriter applies and removes named sections of the shared AWS
// credential file.
type CredentialWriter interface {
	ApplySection(profileName string, creds session.CredentialsInfo) error
	RemoveSection(profileName string) error
}

// MfaPrompter asks the user for a one time code, invoking the callback
// exactly once with the code or with config.MFA_CONFIRM_CLOSED on dismissal.
type MfaPrompter interface {
	PromptForMFACode(sessionName string, callback func(code string))
}

// SamlBrowser is the controlled browser surface consumed by the federated
// flow.
type SamlBrowser interface {
	CaptureFormPost(ctx context.Context, startUrl, targetPattern string) (string, error)
}

// VerificationOpener shows the SSO device authorization page, returning a
// channel closed when the user closes the window.
type VerificationOpener interface {
	OpenVerification(ctx context.Context, url string) (<-chan struct{}, error)
}

// sessionLocks hands out one mutex per session id so a manual start or stop
// and a rotation refresh of the same session never interleave.
type sessionLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{locks: map[string]*sync.Mutex{}}
}

func (l *sessionLocks) lock(id string) func() {
	l.mu.Lock()
	m, ok := l.locks[id]
	if !ok {
		m = &sync.Mutex{}
		l.locks[id] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// serviceResolver is the late bound hook back into the factory, the base
// needs the variant service of sessions other than its own when a profile
// changes hands.
type serviceResolver struct {
	resolve func(typ session.Type) (SessionService, error)
}

type base struct {
	repo     Repository
	notifier Notifier
	writer   CredentialWriter
	log      *logrus.Logger
	locks    *sessionLocks
	services *serviceResolver
}

// notFound normalises repository misses onto the shared not-found kind.
func notFound(err error) error {
	if errors.Is(err, repository.ErrSessionNotFound) || errors.Is(err, repository.ErrProfileNotFound) {
		return fmt.Errorf("%s, %w", err, session.ErrNotFound)
	}
	return err
}

// providerErr wraps a cloud sdk failure with the shared provider kind,
// surfacing the api error code when the sdk exposes one.
func providerErr(op string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%s: %s %s, %w", op, apiErr.ErrorCode(), apiErr.ErrorMessage(), session.ErrProvider)
	}
	return fmt.Errorf("%s: %s, %w", op, err, session.ErrProvider)
}

func (b *base) getSession(id string) (session.Session, error) {
	s, err := b.repo.GetSession(id)
	if err != nil {
		return session.Session{}, notFound(err)
	}
	return s, nil
}

// setStatus persists the status transition and mirrors it to the notifier.
func (b *base) setStatus(id string, status session.Status) error {
	s, err := b.getSession(id)
	if err != nil {
		return err
	}
	s.Status = status
	if err := b.repo.UpdateSession(s); err != nil {
		return notFound(err)
	}
	b.notifier.UpdateSession(s)
	return nil
}

// markActive flips the session to active and records the credential
// expiration so the rotation scheduler can see when a refresh is due.
func (b *base) markActive(id string, creds session.CredentialsInfo) error {
	s, err := b.getSession(id)
	if err != nil {
		return err
	}
	s.Status = session.StatusActive
	if !creds.Expiration.IsZero() {
		s.SessionTokenExpiration = creds.Expiration
	}
	if err := b.repo.UpdateSession(s); err != nil {
		return notFound(err)
	}
	b.notifier.UpdateSession(s)
	return nil
}

// applyCredentials writes the session's profile section, shared by all AWS
// variants.
func (b *base) applyCredentials(sessionId string, creds session.CredentialsInfo) error {
	s, err := b.getSession(sessionId)
	if err != nil {
		return err
	}
	profileName, err := b.repo.GetProfileName(s.ProfileId)
	if err != nil {
		return notFound(err)
	}
	if creds.Region == "" {
		creds.Region = s.Region
	}
	return b.writer.ApplySection(profileName, creds)
}

func (b *base) deApplyCredentials(sessionId string) error {
	s, err := b.getSession(sessionId)
	if err != nil {
		return err
	}
	profileName, err := b.repo.GetProfileName(s.ProfileId)
	if err != nil {
		return notFound(err)
	}
	return b.writer.RemoveSection(profileName)
}

// start runs the activation protocol: pending, generate, apply, active. Any
// failure rolls back to inactive, removing whatever credentials an earlier
// activation of the session left installed.
func (b *base) start(ctx context.Context, svc SessionService, sessionId string) error {
	unlock := b.locks.lock(sessionId)
	defer unlock()

	if err := b.stopProfileSharers(ctx, sessionId); err != nil {
		return err
	}
	if err := b.setStatus(sessionId, session.StatusPending); err != nil {
		return err
	}
	creds, err := svc.GenerateCredentials(ctx, sessionId)
	if err != nil {
		b.rollback(ctx, svc, sessionId)
		return err
	}
	if err := svc.ApplyCredentials(ctx, sessionId, creds); err != nil {
		b.rollback(ctx, svc, sessionId)
		return err
	}
	return b.markActive(sessionId, creds)
}

// rollback returns a failed activation to inactive. De-apply runs first, a
// refresh that fails must not leave the stale credentials of the previous
// activation written under an inactive session.
func (b *base) rollback(ctx context.Context, svc SessionService, sessionId string) {
	if err := svc.DeApplyCredentials(ctx, sessionId); err != nil {
		b.log.Warnf("credential removal on rollback of %s failed: %v", sessionId, err)
	}
	_ = b.setStatus(sessionId, session.StatusInactive)
}

// stopProfileSharers stops every other session holding the starting
// session's profile. The credential file carries one section per profile, so
// only one session can be active on it at a time.
func (b *base) stopProfileSharers(ctx context.Context, sessionId string) error {
	s, err := b.getSession(sessionId)
	if err != nil {
		return err
	}
	sessions, err := b.repo.ListSessions()
	if err != nil {
		return err
	}
	for _, other := range sessions {
		if other.Id == sessionId || other.ProfileId != s.ProfileId || other.Status == session.StatusInactive {
			continue
		}
		if b.services != nil && b.services.resolve != nil {
			if svc, err := b.services.resolve(other.Type); err == nil {
				if err := svc.Stop(ctx, other.Id); err != nil {
					return err
				}
				continue
			}
		}
		if err := b.setStatus(other.Id, session.StatusInactive); err != nil {
			return err
		}
	}
	return nil
}

// stop de-applies before marking inactive so a session is never reported
// inactive while its credentials remain written. Stopping an inactive
// session is a no-op.
func (b *base) stop(ctx context.Context, svc SessionService, sessionId string) error {
	unlock := b.locks.lock(sessionId)
	defer unlock()

	s, err := b.getSession(sessionId)
	if err != nil {
		return err
	}
	if s.Status == session.StatusInactive {
		return nil
	}
	if err := svc.DeApplyCredentials(ctx, sessionId); err != nil {
		return err
	}
	return b.setStatus(sessionId, session.StatusInactive)
}

// register persists a freshly created session and announces it.
func (b *base) register(s session.Session) error {
	if err := b.repo.AddSession(s); err != nil {
		return err
	}
	b.notifier.AddSession(s)
	return nil
}
