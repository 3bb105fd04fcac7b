package service

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/alexmorozenko/leapp/internal/awsclient"
	"github.com/alexmorozenko/leapp/internal/session"
)

// Deps collects everything the variant services need, the factory hands the
// same value to every constructor so they all share one lock table and one
// notifier.
type Deps struct {
	Repo        Repository
	Notifier    Notifier
	Writer      CredentialWriter
	Log         *logrus.Logger
	Secrets     SecretStore
	MfaPrompter MfaPrompter
	Clients     awsclient.Factory
	Browser     SamlBrowser
	Opener      VerificationOpener

	AzureTokens      AzureTokenProvider
	AzureProfilePath string

	locks    *sessionLocks
	services *serviceResolver
}

func (d Deps) base() base {
	return base{
		repo:     d.Repo,
		notifier: d.Notifier,
		writer:   d.Writer,
		log:      d.Log,
		locks:    d.locks,
		services: d.services,
	}
}

// Factory maps a session type tag onto its service.
type Factory struct {
	services map[session.Type]SessionService
}

func NewFactory(deps Deps) *Factory {
	if deps.Log == nil {
		deps.Log = logrus.New()
	}
	if deps.Notifier == nil {
		deps.Notifier = NewInMemoryNotifier()
	}
	if deps.locks == nil {
		deps.locks = newSessionLocks()
	}
	if deps.services == nil {
		deps.services = &serviceResolver{}
	}

	chained := NewIamRoleChainedService(deps)
	f := &Factory{
		services: map[session.Type]SessionService{
			session.TypeIamUser:           NewIamUserService(deps),
			session.TypeIamRoleFederated:  NewIamRoleFederatedService(deps),
			session.TypeIamRoleChained:    chained,
			session.TypeSsoRole:           NewSsoRoleService(deps),
			session.TypeAzureSubscription: NewAzureService(deps),
		},
	}
	// the chained service and the base resolve sibling services through the
	// factory, wired after construction to break the build order cycle
	chained.resolve = f.GetSessionService
	deps.services.resolve = f.GetSessionService
	return f
}

// GetSessionService returns the service for the type tag or
// session.ErrUnsupportedType for tags no service implements.
func (f *Factory) GetSessionService(typ session.Type) (SessionService, error) {
	svc, ok := f.services[typ]
	if !ok {
		return nil, fmt.Errorf("%s, %w", typ, session.ErrUnsupportedType)
	}
	return svc, nil
}

// SsoService exposes the sso specific surface (sync, logout, browser close
// hook) that the generic contract does not carry.
func (f *Factory) SsoService() *SsoRoleService {
	return f.services[session.TypeSsoRole].(*SsoRoleService)
}

// ChainedService exposes chained specific helpers used on delete, removing a
// parent also removes the sessions chained from it.
func (f *Factory) ChainedService() *IamRoleChainedService {
	return f.services[session.TypeIamRoleChained].(*IamRoleChainedService)
}

// IamUserService exposes the caller identity lookup.
func (f *Factory) IamUserService() *IamUserService {
	return f.services[session.TypeIamUser].(*IamUserService)
}
