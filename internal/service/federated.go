package service

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/alexmorozenko/leapp/internal/awsclient"
	"github.com/alexmorozenko/leapp/internal/config"
	"github.com/alexmorozenko/leapp/internal/session"
)

// acsUrl is the cloud sign-in endpoint the identity provider posts the
// SAMLResponse to.
const acsUrl = "https://signin.aws.amazon.com/saml"

// IamRoleFederatedService mints credentials through a browser mediated SAML
// exchange: the idp url is opened in the controlled browser, the POST to the
// ACS endpoint is intercepted and its assertion exchanged via
// AssumeRoleWithSAML.
type IamRoleFederatedService struct {
	base
	browser SamlBrowser
	clients awsclient.Factory
}

func NewIamRoleFederatedService(deps Deps) *IamRoleFederatedService {
	return &IamRoleFederatedService{
		base:    deps.base(),
		browser: deps.Browser,
		clients: deps.Clients,
	}
}

func (s *IamRoleFederatedService) Create(ctx context.Context, req CreateRequest, profileId string) (session.Session, error) {
	sess := session.New(req.Name, req.Region, session.TypeIamRoleFederated, profileId)
	sess.IdpUrl = req.IdpUrl
	sess.IdpArn = req.IdpArn
	sess.RoleArn = req.RoleArn
	if err := s.register(sess); err != nil {
		return session.Session{}, err
	}
	return sess, nil
}

func (s *IamRoleFederatedService) GenerateCredentials(ctx context.Context, sessionId string) (session.CredentialsInfo, error) {
	sess, err := s.getSession(sessionId)
	if err != nil {
		return session.CredentialsInfo{}, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, config.BROWSER_WAIT_TIMEOUT)
	defer cancel()

	body, err := s.browser.CaptureFormPost(waitCtx, sess.IdpUrl, acsUrl)
	if err != nil {
		return session.CredentialsInfo{}, err
	}

	assertion, err := extractSamlAssertion(body)
	if err != nil {
		return session.CredentialsInfo{}, err
	}

	svc, err := s.clients.StsClient(ctx, sess.Region)
	if err != nil {
		return session.CredentialsInfo{}, err
	}
	out, err := svc.AssumeRoleWithSAML(ctx, &sts.AssumeRoleWithSAMLInput{
		PrincipalArn:    aws.String(sess.IdpArn),
		RoleArn:         aws.String(sess.RoleArn),
		SAMLAssertion:   aws.String(assertion),
		DurationSeconds: aws.Int32(config.SAML_SESSION_DURATION),
	})
	if err != nil {
		return session.CredentialsInfo{}, providerErr("assume role with saml", err)
	}
	if out.Credentials == nil {
		return session.CredentialsInfo{}, fmt.Errorf("empty credentials in saml response, %w", session.ErrProvider)
	}

	return session.CredentialsInfo{
		AccessKeyId:     aws.ToString(out.Credentials.AccessKeyId),
		SecretAccessKey: aws.ToString(out.Credentials.SecretAccessKey),
		SessionToken:    aws.ToString(out.Credentials.SessionToken),
		Region:          sess.Region,
		Expiration:      aws.ToTime(out.Credentials.Expiration),
	}, nil
}

// extractSamlAssertion lifts the SAMLResponse value out of the intercepted
// form POST body and url-decodes it.
func extractSamlAssertion(body string) (string, error) {
	n := strings.LastIndex(body, "SAMLResponse=")
	if n == -1 {
		return "", fmt.Errorf("no SAMLResponse in post body, %w", session.ErrSamlExtraction)
	}
	raw := body[n+len("SAMLResponse="):]
	if n2 := strings.LastIndex(raw, "&RelayState="); n2 != -1 {
		raw = raw[:n2]
	} else if n2 := strings.Index(raw, "&"); n2 != -1 {
		raw = raw[:n2]
	}
	decoded, err := url.QueryUnescape(raw)
	if err != nil {
		return "", fmt.Errorf("saml assertion decode: %s, %w", err, session.ErrParse)
	}
	return decoded, nil
}

func (s *IamRoleFederatedService) ApplyCredentials(ctx context.Context, sessionId string, creds session.CredentialsInfo) error {
	return s.applyCredentials(sessionId, creds)
}

func (s *IamRoleFederatedService) DeApplyCredentials(ctx context.Context, sessionId string) error {
	return s.deApplyCredentials(sessionId)
}

// RemoveSecrets is a no-op, federated sessions keep nothing in the secret
// store.
func (s *IamRoleFederatedService) RemoveSecrets(ctx context.Context, sessionId string) {}

func (s *IamRoleFederatedService) Start(ctx context.Context, sessionId string) error {
	return s.start(ctx, s, sessionId)
}

func (s *IamRoleFederatedService) Stop(ctx context.Context, sessionId string) error {
	return s.stop(ctx, s, sessionId)
}
