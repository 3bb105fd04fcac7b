package service_test

import (
	"context"
	"fmt"
	"io"
	"path"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/sso"
	"github.com/aws/aws-sdk-go-v2/service/ssooidc"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/sirupsen/logrus"

	"github.com/alexmorozenko/leapp/internal/awsclient"
	"github.com/alexmorozenko/leapp/internal/repository"
	"github.com/alexmorozenko/leapp/internal/secret"
	"github.com/alexmorozenko/leapp/internal/service"
	"github.com/alexmorozenko/leapp/internal/session"
)

type mockSecrets struct {
	mu    sync.Mutex
	store map[string]string
}

func newMockSecrets() *mockSecrets {
	return &mockSecrets{store: map[string]string{}}
}

func (m *mockSecrets) GetSecret(key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.store[key]
	if !ok {
		return "", fmt.Errorf("%s, %w", key, secret.ErrSecretNotFound)
	}
	return v, nil
}

func (m *mockSecrets) SaveSecret(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store[key] = value
	return nil
}

func (m *mockSecrets) DeleteSecret(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.store, key)
	return nil
}

type mockWriter struct {
	mu         sync.Mutex
	sections   map[string]session.CredentialsInfo
	applyCount int
	applyErr   error
}

func newMockWriter() *mockWriter {
	return &mockWriter{sections: map[string]session.CredentialsInfo{}}
}

func (m *mockWriter) ApplySection(profileName string, creds session.CredentialsInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.applyErr != nil {
		return m.applyErr
	}
	m.applyCount++
	m.sections[profileName] = creds
	return nil
}

func (m *mockWriter) RemoveSection(profileName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sections, profileName)
	return nil
}

func (m *mockWriter) section(name string) (session.CredentialsInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.sections[name]
	return c, ok
}

type mockSts struct {
	getSessionToken    func(ctx context.Context, params *sts.GetSessionTokenInput, optFns ...func(*sts.Options)) (*sts.GetSessionTokenOutput, error)
	assumeRole         func(ctx context.Context, params *sts.AssumeRoleInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleOutput, error)
	assumeRoleWithSaml func(ctx context.Context, params *sts.AssumeRoleWithSAMLInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleWithSAMLOutput, error)
	getCallerIdentity  func(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

func (m *mockSts) GetSessionToken(ctx context.Context, params *sts.GetSessionTokenInput, optFns ...func(*sts.Options)) (*sts.GetSessionTokenOutput, error) {
	return m.getSessionToken(ctx, params, optFns...)
}
func (m *mockSts) AssumeRole(ctx context.Context, params *sts.AssumeRoleInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleOutput, error) {
	return m.assumeRole(ctx, params, optFns...)
}
func (m *mockSts) AssumeRoleWithSAML(ctx context.Context, params *sts.AssumeRoleWithSAMLInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleWithSAMLOutput, error) {
	return m.assumeRoleWithSaml(ctx, params, optFns...)
}
func (m *mockSts) GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error) {
	return m.getCallerIdentity(ctx, params, optFns...)
}

type mockPortal struct {
	getRoleCredentials func(ctx context.Context, params *sso.GetRoleCredentialsInput, optFns ...func(*sso.Options)) (*sso.GetRoleCredentialsOutput, error)
	listAccounts       func(ctx context.Context, params *sso.ListAccountsInput, optFns ...func(*sso.Options)) (*sso.ListAccountsOutput, error)
	listAccountRoles   func(ctx context.Context, params *sso.ListAccountRolesInput, optFns ...func(*sso.Options)) (*sso.ListAccountRolesOutput, error)
	logout             func(ctx context.Context, params *sso.LogoutInput, optFns ...func(*sso.Options)) (*sso.LogoutOutput, error)
}

func (m *mockPortal) GetRoleCredentials(ctx context.Context, params *sso.GetRoleCredentialsInput, optFns ...func(*sso.Options)) (*sso.GetRoleCredentialsOutput, error) {
	return m.getRoleCredentials(ctx, params, optFns...)
}
func (m *mockPortal) ListAccounts(ctx context.Context, params *sso.ListAccountsInput, optFns ...func(*sso.Options)) (*sso.ListAccountsOutput, error) {
	return m.listAccounts(ctx, params, optFns...)
}
func (m *mockPortal) ListAccountRoles(ctx context.Context, params *sso.ListAccountRolesInput, optFns ...func(*sso.Options)) (*sso.ListAccountRolesOutput, error) {
	return m.listAccountRoles(ctx, params, optFns...)
}
func (m *mockPortal) Logout(ctx context.Context, params *sso.LogoutInput, optFns ...func(*sso.Options)) (*sso.LogoutOutput, error) {
	return m.logout(ctx, params, optFns...)
}

type mockOidc struct {
	registerClient           func(ctx context.Context, params *ssooidc.RegisterClientInput, optFns ...func(*ssooidc.Options)) (*ssooidc.RegisterClientOutput, error)
	startDeviceAuthorization func(ctx context.Context, params *ssooidc.StartDeviceAuthorizationInput, optFns ...func(*ssooidc.Options)) (*ssooidc.StartDeviceAuthorizationOutput, error)
	createToken              func(ctx context.Context, params *ssooidc.CreateTokenInput, optFns ...func(*ssooidc.Options)) (*ssooidc.CreateTokenOutput, error)
}

func (m *mockOidc) RegisterClient(ctx context.Context, params *ssooidc.RegisterClientInput, optFns ...func(*ssooidc.Options)) (*ssooidc.RegisterClientOutput, error) {
	return m.registerClient(ctx, params, optFns...)
}
func (m *mockOidc) StartDeviceAuthorization(ctx context.Context, params *ssooidc.StartDeviceAuthorizationInput, optFns ...func(*ssooidc.Options)) (*ssooidc.StartDeviceAuthorizationOutput, error) {
	return m.startDeviceAuthorization(ctx, params, optFns...)
}
func (m *mockOidc) CreateToken(ctx context.Context, params *ssooidc.CreateTokenInput, optFns ...func(*ssooidc.Options)) (*ssooidc.CreateTokenOutput, error) {
	return m.createToken(ctx, params, optFns...)
}

// mockClients stands in for the sdk factory, each function field hands back
// the narrowed api mock for a given region or credential set.
type mockClients struct {
	stsClient          func(ctx context.Context, region string) (awsclient.StsApi, error)
	stsClientWithCreds func(ctx context.Context, region string, creds session.CredentialsInfo) (awsclient.StsApi, error)
	ssoClient          func(ctx context.Context, region string) (awsclient.SsoPortalApi, error)
	ssoOidcClient      func(ctx context.Context, region string) (awsclient.SsoOidcApi, error)
}

func (m *mockClients) StsClient(ctx context.Context, region string) (awsclient.StsApi, error) {
	if m.stsClient == nil {
		return nil, fmt.Errorf("sts client not wired")
	}
	return m.stsClient(ctx, region)
}
func (m *mockClients) StsClientWithCreds(ctx context.Context, region string, creds session.CredentialsInfo) (awsclient.StsApi, error) {
	if m.stsClientWithCreds == nil {
		return nil, fmt.Errorf("sts client with creds not wired")
	}
	return m.stsClientWithCreds(ctx, region, creds)
}
func (m *mockClients) SsoClient(ctx context.Context, region string) (awsclient.SsoPortalApi, error) {
	if m.ssoClient == nil {
		return nil, fmt.Errorf("sso client not wired")
	}
	return m.ssoClient(ctx, region)
}
func (m *mockClients) SsoOidcClient(ctx context.Context, region string) (awsclient.SsoOidcApi, error) {
	if m.ssoOidcClient == nil {
		return nil, fmt.Errorf("sso oidc client not wired")
	}
	return m.ssoOidcClient(ctx, region)
}

type mockPrompter struct {
	code string
}

func (m *mockPrompter) PromptForMFACode(sessionName string, callback func(code string)) {
	callback(m.code)
}

type mockBrowser struct {
	capture func(ctx context.Context, startUrl, targetPattern string) (string, error)
}

func (m *mockBrowser) CaptureFormPost(ctx context.Context, startUrl, targetPattern string) (string, error) {
	return m.capture(ctx, startUrl, targetPattern)
}

type mockOpener struct {
	open func(ctx context.Context, url string) (<-chan struct{}, error)
}

func (m *mockOpener) OpenVerification(ctx context.Context, url string) (<-chan struct{}, error) {
	if m.open == nil {
		ch := make(chan struct{})
		return ch, nil
	}
	return m.open(ctx, url)
}

type mockAzureTokens struct {
	getToken func(ctx context.Context, tenantId string) (service.AzureAccessToken, error)
}

func (m *mockAzureTokens) GetToken(ctx context.Context, tenantId string) (service.AzureAccessToken, error) {
	return m.getToken(ctx, tenantId)
}

// harness wires the service factory against a real workspace in a temp dir
// and mocks for everything that would talk to a cloud or a desktop.
type harness struct {
	repo     *repository.Repository
	secrets  *mockSecrets
	writer   *mockWriter
	clients  *mockClients
	prompter *mockPrompter
	browser  *mockBrowser
	opener   *mockOpener
	azure    *mockAzureTokens
	notifier *service.InMemoryNotifier
	factory  *service.Factory

	azureProfilePath string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()

	repo, err := repository.New(path.Join(dir, "workspace.json"))
	if err != nil {
		t.Fatalf("got %s, wanted <nil>", err)
	}

	log := logrus.New()
	log.SetOutput(io.Discard)

	h := &harness{
		repo:             repo,
		secrets:          newMockSecrets(),
		writer:           newMockWriter(),
		clients:          &mockClients{},
		prompter:         &mockPrompter{},
		browser:          &mockBrowser{},
		opener:           &mockOpener{},
		azure:            &mockAzureTokens{},
		notifier:         service.NewInMemoryNotifier(),
		azureProfilePath: path.Join(dir, "azureProfile.json"),
	}
	h.factory = service.NewFactory(service.Deps{
		Repo:             repo,
		Notifier:         h.notifier,
		Writer:           h.writer,
		Log:              log,
		Secrets:          h.secrets,
		MfaPrompter:      h.prompter,
		Clients:          h.clients,
		Browser:          h.browser,
		Opener:           h.opener,
		AzureTokens:      h.azure,
		AzureProfilePath: h.azureProfilePath,
	})
	return h
}

func (h *harness) service(t *testing.T, typ session.Type) service.SessionService {
	t.Helper()
	svc, err := h.factory.GetSessionService(typ)
	if err != nil {
		t.Fatalf("got %s, wanted <nil>", err)
	}
	return svc
}

func (h *harness) mustGet(t *testing.T, id string) session.Session {
	t.Helper()
	s, err := h.repo.GetSession(id)
	if err != nil {
		t.Fatalf("got %s, wanted <nil>", err)
	}
	return s
}
