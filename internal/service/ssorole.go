package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sso"
	"github.com/aws/aws-sdk-go-v2/service/ssooidc"
	oidctypes "github.com/aws/aws-sdk-go-v2/service/ssooidc/types"

	"github.com/alexmorozenko/leapp/internal/awsclient"
	"github.com/alexmorozenko/leapp/internal/config"
	"github.com/alexmorozenko/leapp/internal/secret"
	"github.com/alexmorozenko/leapp/internal/session"
)

// SsoRoleService talks to the AWS SSO portal. Credential generation is two
// phase: a bearer access token (cached, or minted through the OIDC device
// flow in the browser) and a GetRoleCredentials exchange for the session's
// role.
type SsoRoleService struct {
	base
	secrets    SecretStore
	clients    awsclient.Factory
	opener     VerificationOpener
	httpClient *http.Client
}

func NewSsoRoleService(deps Deps) *SsoRoleService {
	return &SsoRoleService{
		base:       deps.base(),
		secrets:    deps.Secrets,
		clients:    deps.Clients,
		opener:     deps.Opener,
		httpClient: http.DefaultClient,
	}
}

func (s *SsoRoleService) WithHttpClient(c *http.Client) *SsoRoleService {
	s.httpClient = c
	return s
}

func (s *SsoRoleService) Create(ctx context.Context, req CreateRequest, profileId string) (session.Session, error) {
	sess := session.New(req.Name, req.Region, session.TypeSsoRole, profileId)
	sess.Email = req.Email
	sess.RoleArn = req.RoleArn
	if err := s.register(sess); err != nil {
		return session.Session{}, err
	}
	return sess, nil
}

func (s *SsoRoleService) GenerateCredentials(ctx context.Context, sessionId string) (session.CredentialsInfo, error) {
	sess, err := s.getSession(sessionId)
	if err != nil {
		return session.CredentialsInfo{}, err
	}
	conf, err := s.repo.GetSsoConfiguration()
	if err != nil {
		return session.CredentialsInfo{}, err
	}
	accessToken, err := s.getAccessToken(ctx, &conf)
	if err != nil {
		return session.CredentialsInfo{}, err
	}

	accountId, roleName, err := parseSsoRoleArn(sess.RoleArn)
	if err != nil {
		return session.CredentialsInfo{}, err
	}

	portal, err := s.clients.SsoClient(ctx, conf.Region)
	if err != nil {
		return session.CredentialsInfo{}, err
	}
	out, err := portal.GetRoleCredentials(ctx, &sso.GetRoleCredentialsInput{
		AccessToken: aws.String(accessToken),
		AccountId:   aws.String(accountId),
		RoleName:    aws.String(roleName),
	})
	if err != nil {
		return session.CredentialsInfo{}, providerErr("get role credentials", err)
	}
	if out.RoleCredentials == nil {
		return session.CredentialsInfo{}, fmt.Errorf("empty role credentials response, %w", session.ErrProvider)
	}

	return session.CredentialsInfo{
		AccessKeyId:     aws.ToString(out.RoleCredentials.AccessKeyId),
		SecretAccessKey: aws.ToString(out.RoleCredentials.SecretAccessKey),
		SessionToken:    aws.ToString(out.RoleCredentials.SessionToken),
		Region:          sess.Region,
		Expiration:      time.UnixMilli(out.RoleCredentials.Expiration),
	}, nil
}

// getAccessToken returns the cached bearer token while the configured
// expiration holds, otherwise runs the full device login flow.
func (s *SsoRoleService) getAccessToken(ctx context.Context, conf *session.SsoConfiguration) (string, error) {
	if !ssoExpired(*conf) {
		token, err := s.secrets.GetSecret(config.SSO_ACCESS_TOKEN_KEY)
		if err == nil {
			return token, nil
		}
		if !errors.Is(err, secret.ErrSecretNotFound) {
			return "", err
		}
		// token evicted from the keychain, force a fresh login
	}
	return s.login(ctx, conf)
}

func ssoExpired(conf session.SsoConfiguration) bool {
	return conf.ExpirationTime.IsZero() || time.Now().After(conf.ExpirationTime)
}

// login performs the OIDC device authorization flow: resolve the portal url
// through its redirects, register a client, open the verification page and
// poll for the token until the user approves, cancels or the device code
// expires.
func (s *SsoRoleService) login(ctx context.Context, conf *session.SsoConfiguration) (string, error) {
	portalUrl, err := s.unrollPortalUrl(conf.PortalUrl)
	if err != nil {
		return "", err
	}

	oidc, err := s.clients.SsoOidcClient(ctx, conf.Region)
	if err != nil {
		return "", err
	}

	client, err := oidc.RegisterClient(ctx, &ssooidc.RegisterClientInput{
		ClientName: aws.String(config.SSO_CLIENT_NAME),
		ClientType: aws.String(config.SSO_CLIENT_TYPE),
	})
	if err != nil {
		return "", providerErr("register oidc client", err)
	}

	device, err := oidc.StartDeviceAuthorization(ctx, &ssooidc.StartDeviceAuthorizationInput{
		ClientId:     client.ClientId,
		ClientSecret: client.ClientSecret,
		StartUrl:     aws.String(portalUrl),
	})
	if err != nil {
		return "", providerErr("start device authorization", err)
	}

	closed, err := s.opener.OpenVerification(ctx, aws.ToString(device.VerificationUriComplete))
	if err != nil {
		return "", err
	}

	token, err := s.pollForToken(ctx, oidc, client, device, closed)
	if err != nil {
		// the user abandoning the login window also stops whatever sso
		// sessions were running on the old token
		if errors.Is(err, session.ErrWindowClosed) {
			s.CatchClosingBrowserWindow(ctx)
		}
		return "", err
	}

	expiration := time.Now().Add(time.Duration(token.ExpiresIn) * time.Second)
	if err := s.secrets.SaveSecret(config.SSO_ACCESS_TOKEN_KEY, aws.ToString(token.AccessToken)); err != nil {
		return "", err
	}
	conf.PortalUrl = portalUrl
	conf.ExpirationTime = expiration
	if err := s.repo.SetSsoConfiguration(*conf); err != nil {
		return "", err
	}
	return aws.ToString(token.AccessToken), nil
}

// pollForToken polls CreateToken at the interval the portal dictated,
// slowing down when asked to and giving up when the user closes the
// verification window or the device code expires.
func (s *SsoRoleService) pollForToken(ctx context.Context, oidc awsclient.SsoOidcApi,
	client *ssooidc.RegisterClientOutput, device *ssooidc.StartDeviceAuthorizationOutput,
	closed <-chan struct{}) (*ssooidc.CreateTokenOutput, error) {

	interval := device.Interval
	if interval <= 0 {
		interval = 5
	}
	deadline := time.Now().Add(time.Duration(device.ExpiresIn) * time.Second)

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%s, %w", ctx.Err(), session.ErrWindowClosed)
		case <-closed:
			return nil, fmt.Errorf("device authorization abandoned, %w", session.ErrWindowClosed)
		case <-time.After(time.Duration(interval) * time.Second):
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("device code expired, %w", session.ErrProvider)
		}

		token, err := oidc.CreateToken(ctx, &ssooidc.CreateTokenInput{
			ClientId:     client.ClientId,
			ClientSecret: client.ClientSecret,
			DeviceCode:   device.DeviceCode,
			GrantType:    aws.String(config.SSO_GRANT_TYPE),
		})
		if err == nil {
			return token, nil
		}

		var pending *oidctypes.AuthorizationPendingException
		var slowDown *oidctypes.SlowDownException
		switch {
		case errors.As(err, &pending):
			continue
		case errors.As(err, &slowDown):
			interval += 5
			continue
		default:
			return nil, providerErr("create token", err)
		}
	}
}

// unrollPortalUrl follows the portal alias redirects to the canonical start
// url.
func (s *SsoRoleService) unrollPortalUrl(portalUrl string) (string, error) {
	if portalUrl == "" {
		return "", fmt.Errorf("sso portal url not configured, %w", session.ErrNotFound)
	}
	resp, err := s.httpClient.Get(portalUrl)
	if err != nil {
		return "", fmt.Errorf("resolve portal url %s: %s, %w", portalUrl, err, session.ErrProvider)
	}
	defer resp.Body.Close()
	return resp.Request.URL.String(), nil
}

// Sync lists every account and role reachable by the bearer token and
// replaces the workspace's sso sessions with the fresh listing, preserving
// the previously chosen region and profile for roles that still exist.
// Stale sso sessions and any chained sessions hanging off them are deleted.
func (s *SsoRoleService) Sync(ctx context.Context) ([]session.Session, error) {
	conf, err := s.repo.GetSsoConfiguration()
	if err != nil {
		return nil, err
	}
	accessToken, err := s.getAccessToken(ctx, &conf)
	if err != nil {
		return nil, err
	}
	portal, err := s.clients.SsoClient(ctx, conf.Region)
	if err != nil {
		return nil, err
	}

	accounts, err := s.listAccounts(ctx, portal, accessToken)
	if err != nil {
		return nil, err
	}

	previous := s.notifier.ListByType(session.TypeSsoRole)
	defaultRegion, err := s.repo.GetDefaultRegion()
	if err != nil {
		return nil, err
	}
	defaultProfileId, err := s.repo.GetDefaultProfileId()
	if err != nil {
		return nil, err
	}

	fresh := []session.Session{}
	for _, account := range accounts {
		roles, err := s.listAccountRoles(ctx, portal, accessToken, aws.ToString(account.AccountId))
		if err != nil {
			return nil, err
		}
		for _, roleName := range roles {
			roleArn := ssoRoleArn(aws.ToString(account.AccountId), roleName)

			region := defaultRegion
			profileId := defaultProfileId
			if old, ok := findOldSsoSession(previous, aws.ToString(account.EmailAddress), roleArn); ok {
				region = old.Region
				profileId = old.ProfileId
			}

			sess := session.New(aws.ToString(account.AccountName), region, session.TypeSsoRole, profileId)
			sess.Email = aws.ToString(account.EmailAddress)
			sess.RoleArn = roleArn
			fresh = append(fresh, sess)
		}
	}

	if err := s.removeSsoSessions(ctx); err != nil {
		return nil, err
	}
	for _, sess := range fresh {
		if err := s.register(sess); err != nil {
			return nil, err
		}
	}
	return fresh, nil
}

func (s *SsoRoleService) listAccounts(ctx context.Context, portal awsclient.SsoPortalApi, accessToken string) ([]ssoAccount, error) {
	accounts := []ssoAccount{}
	var nextToken *string
	for {
		out, err := portal.ListAccounts(ctx, &sso.ListAccountsInput{
			AccessToken: aws.String(accessToken),
			MaxResults:  aws.Int32(config.SSO_LIST_PAGE_SIZE),
			NextToken:   nextToken,
		})
		if err != nil {
			return nil, providerErr("list accounts", err)
		}
		for _, a := range out.AccountList {
			accounts = append(accounts, ssoAccount{
				AccountId:    a.AccountId,
				AccountName:  a.AccountName,
				EmailAddress: a.EmailAddress,
			})
		}
		if out.NextToken == nil || aws.ToString(out.NextToken) == "" {
			return accounts, nil
		}
		nextToken = out.NextToken
	}
}

func (s *SsoRoleService) listAccountRoles(ctx context.Context, portal awsclient.SsoPortalApi, accessToken, accountId string) ([]string, error) {
	roles := []string{}
	var nextToken *string
	for {
		out, err := portal.ListAccountRoles(ctx, &sso.ListAccountRolesInput{
			AccessToken: aws.String(accessToken),
			AccountId:   aws.String(accountId),
			MaxResults:  aws.Int32(config.SSO_LIST_PAGE_SIZE),
			NextToken:   nextToken,
		})
		if err != nil {
			return nil, providerErr(fmt.Sprintf("list account roles for %s", accountId), err)
		}
		for _, r := range out.RoleList {
			roles = append(roles, aws.ToString(r.RoleName))
		}
		if out.NextToken == nil || aws.ToString(out.NextToken) == "" {
			return roles, nil
		}
		nextToken = out.NextToken
	}
}

type ssoAccount struct {
	AccountId    *string
	AccountName  *string
	EmailAddress *string
}

// Logout revokes the bearer token at the portal, then clears the local
// token cache and sso sessions regardless of the revoke outcome.
func (s *SsoRoleService) Logout(ctx context.Context) error {
	conf, err := s.repo.GetSsoConfiguration()
	if err != nil {
		return err
	}
	if token, err := s.secrets.GetSecret(config.SSO_ACCESS_TOKEN_KEY); err == nil {
		if portal, err := s.clients.SsoClient(ctx, conf.Region); err == nil {
			if _, err := portal.Logout(ctx, &sso.LogoutInput{AccessToken: aws.String(token)}); err != nil {
				s.log.Warnf("remote sso logout failed: %v", err)
			}
		}
	}

	if err := s.secrets.DeleteSecret(config.SSO_ACCESS_TOKEN_KEY); err != nil {
		s.log.Warnf("sso token cleanup failed: %v", err)
	}
	if err := s.repo.ClearSsoConfigurationExpiration(); err != nil {
		return err
	}
	return s.removeSsoSessions(ctx)
}

// CatchClosingBrowserWindow stops every active sso session, the user closing
// the owning login window is an implicit global stop, not an error.
func (s *SsoRoleService) CatchClosingBrowserWindow(ctx context.Context) {
	for _, sess := range s.notifier.ListByType(session.TypeSsoRole) {
		if sess.Status != session.StatusActive {
			continue
		}
		if err := s.Stop(ctx, sess.Id); err != nil {
			s.log.WithFields(map[string]interface{}{"session": sess.Id}).
				Warnf("stop on window close failed: %v", err)
		}
	}
}

// removeSsoSessions stops and deletes every sso session along with chained
// sessions whose parent chain roots in one of them.
func (s *SsoRoleService) removeSsoSessions(ctx context.Context) error {
	ssoSessions := s.notifier.ListByType(session.TypeSsoRole)
	ssoIds := map[string]bool{}
	for _, sess := range ssoSessions {
		ssoIds[sess.Id] = true
	}

	for _, chained := range s.notifier.ListByType(session.TypeIamRoleChained) {
		if !ssoIds[chained.ParentSessionId] {
			continue
		}
		if err := s.deApplyCredentials(chained.Id); err != nil {
			s.log.Warnf("de-apply of chained child %s failed: %v", chained.Id, err)
		}
		if err := s.repo.DeleteSession(chained.Id); err != nil {
			return err
		}
		s.notifier.DeleteSession(chained.Id)
	}

	for _, sess := range ssoSessions {
		if err := s.Stop(ctx, sess.Id); err != nil {
			s.log.Warnf("stop of sso session %s failed: %v", sess.Id, err)
		}
		if err := s.repo.DeleteSession(sess.Id); err != nil {
			return err
		}
		s.notifier.DeleteSession(sess.Id)
	}
	return nil
}

func ssoRoleArn(accountId, roleName string) string {
	return fmt.Sprintf("arn:aws:iam::%s:role/%s", accountId, roleName)
}

func parseSsoRoleArn(roleArn string) (accountId, roleName string, err error) {
	parts := strings.Split(roleArn, ":")
	if len(parts) != 6 || !strings.HasPrefix(parts[5], "role/") {
		return "", "", fmt.Errorf("role arn %q, %w", roleArn, session.ErrParse)
	}
	return parts[4], strings.TrimPrefix(parts[5], "role/"), nil
}

func findOldSsoSession(previous []session.Session, email, roleArn string) (session.Session, bool) {
	for _, sess := range previous {
		if sess.Email == email && sess.RoleArn == roleArn {
			return sess, true
		}
	}
	return session.Session{}, false
}

func (s *SsoRoleService) ApplyCredentials(ctx context.Context, sessionId string, creds session.CredentialsInfo) error {
	return s.applyCredentials(sessionId, creds)
}

func (s *SsoRoleService) DeApplyCredentials(ctx context.Context, sessionId string) error {
	return s.deApplyCredentials(sessionId)
}

// RemoveSecrets is a no-op for individual sso sessions, the bearer token is
// process wide and owned by login/logout.
func (s *SsoRoleService) RemoveSecrets(ctx context.Context, sessionId string) {}

func (s *SsoRoleService) Start(ctx context.Context, sessionId string) error {
	return s.start(ctx, s, sessionId)
}

func (s *SsoRoleService) Stop(ctx context.Context, sessionId string) error {
	return s.stop(ctx, s, sessionId)
}
