package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/alexmorozenko/leapp/internal/awsclient"
	"github.com/alexmorozenko/leapp/internal/config"
	"github.com/alexmorozenko/leapp/internal/secret"
	"github.com/alexmorozenko/leapp/internal/session"
)

// IamUserService exchanges long lived access keys for an STS session token,
// running the MFA challenge when the session has a device configured. The
// token is cached in the secret store and reused until it expires.
type IamUserService struct {
	base
	secrets  SecretStore
	prompter MfaPrompter
	clients  awsclient.Factory
}

func NewIamUserService(deps Deps) *IamUserService {
	return &IamUserService{
		base:     deps.base(),
		secrets:  deps.Secrets,
		prompter: deps.MfaPrompter,
		clients:  deps.Clients,
	}
}

func accessKeyIdKey(sessionId string) string {
	return fmt.Sprintf(config.IAM_USER_ACCESS_KEY_ID_PATTERN, sessionId)
}

func secretAccessKeyKey(sessionId string) string {
	return fmt.Sprintf(config.IAM_USER_SECRET_ACCESS_KEY_PATTERN, sessionId)
}

func sessionTokenKey(sessionId string) string {
	return fmt.Sprintf(config.IAM_USER_SESSION_TOKEN_PATTERN, sessionId)
}

func (s *IamUserService) Create(ctx context.Context, req CreateRequest, profileId string) (session.Session, error) {
	sess := session.New(req.Name, req.Region, session.TypeIamUser, profileId)
	sess.MfaDevice = req.MfaDevice

	if err := s.secrets.SaveSecret(accessKeyIdKey(sess.Id), req.AccessKey); err != nil {
		return session.Session{}, err
	}
	if err := s.secrets.SaveSecret(secretAccessKeyKey(sess.Id), req.SecretKey); err != nil {
		return session.Session{}, err
	}
	if err := s.register(sess); err != nil {
		return session.Session{}, err
	}
	return sess, nil
}

func (s *IamUserService) GenerateCredentials(ctx context.Context, sessionId string) (session.CredentialsInfo, error) {
	sess, err := s.getSession(sessionId)
	if err != nil {
		return session.CredentialsInfo{}, err
	}

	if !sess.Expired(time.Now()) {
		creds, err := s.cachedToken(sess)
		if err == nil {
			return creds, nil
		}
		if !errors.Is(err, secret.ErrSecretNotFound) {
			return session.CredentialsInfo{}, err
		}
		// cache evicted under us, fall through to a fresh exchange
	}

	accessKey, err := s.secrets.GetSecret(accessKeyIdKey(sessionId))
	if err != nil {
		return session.CredentialsInfo{}, err
	}
	secretKey, err := s.secrets.GetSecret(secretAccessKeyKey(sessionId))
	if err != nil {
		return session.CredentialsInfo{}, err
	}

	params := &sts.GetSessionTokenInput{
		DurationSeconds: aws.Int32(config.SESSION_TOKEN_DURATION),
	}
	if sess.MfaDevice != "" {
		code, err := s.promptMfa(ctx, sess.Name)
		if err != nil {
			return session.CredentialsInfo{}, err
		}
		params.SerialNumber = aws.String(sess.MfaDevice)
		params.TokenCode = aws.String(code)
	}

	svc, err := s.stsClientFor(ctx, sess.Region, accessKey, secretKey)
	if err != nil {
		return session.CredentialsInfo{}, err
	}
	out, err := svc.GetSessionToken(ctx, params)
	if err != nil {
		return session.CredentialsInfo{}, providerErr("get session token", err)
	}
	if out.Credentials == nil {
		return session.CredentialsInfo{}, fmt.Errorf("empty credentials in session token response, %w", session.ErrProvider)
	}

	creds := session.CredentialsInfo{
		AccessKeyId:     aws.ToString(out.Credentials.AccessKeyId),
		SecretAccessKey: aws.ToString(out.Credentials.SecretAccessKey),
		SessionToken:    aws.ToString(out.Credentials.SessionToken),
		Region:          sess.Region,
		Expiration:      aws.ToTime(out.Credentials.Expiration),
	}

	if err := s.cacheToken(sess, creds); err != nil {
		return session.CredentialsInfo{}, err
	}
	return creds, nil
}

// stsClientFor builds an STS client using the session's stored long lived
// keys as the calling identity.
func (s *IamUserService) stsClientFor(ctx context.Context, region, accessKey, secretKey string) (awsclient.StsApi, error) {
	return s.clients.StsClientWithCreds(ctx, region, session.CredentialsInfo{
		AccessKeyId:     accessKey,
		SecretAccessKey: secretKey,
	})
}

func (s *IamUserService) promptMfa(ctx context.Context, sessionName string) (string, error) {
	codeCh := make(chan string, 1)
	s.prompter.PromptForMFACode(sessionName, func(code string) {
		codeCh <- code
	})
	select {
	case code := <-codeCh:
		if code == config.MFA_CONFIRM_CLOSED {
			return "", fmt.Errorf("prompt dismissed for %s, %w", sessionName, session.ErrMissingMfaToken)
		}
		return code, nil
	case <-ctx.Done():
		return "", fmt.Errorf("%s, %w", ctx.Err(), session.ErrMissingMfaToken)
	}
}

func (s *IamUserService) cachedToken(sess session.Session) (session.CredentialsInfo, error) {
	raw, err := s.secrets.GetSecret(sessionTokenKey(sess.Id))
	if err != nil {
		return session.CredentialsInfo{}, err
	}
	creds := session.CredentialsInfo{}
	if err := json.Unmarshal([]byte(raw), &creds); err != nil {
		return session.CredentialsInfo{}, fmt.Errorf("cached session token: %s, %w", err, session.ErrParse)
	}
	if creds.Region == "" {
		creds.Region = sess.Region
	}
	return creds, nil
}

// cacheToken stores the fresh token in the secret store and records its
// expiration on the session record.
func (s *IamUserService) cacheToken(sess session.Session, creds session.CredentialsInfo) error {
	raw, err := json.Marshal(creds)
	if err != nil {
		return err
	}
	if err := s.secrets.SaveSecret(sessionTokenKey(sess.Id), string(raw)); err != nil {
		return err
	}
	current, err := s.getSession(sess.Id)
	if err != nil {
		return err
	}
	current.SessionTokenExpiration = creds.Expiration
	if err := s.repo.UpdateSession(current); err != nil {
		return notFound(err)
	}
	s.notifier.UpdateSession(current)
	return nil
}

// GetAccountNumber resolves the aws account of the session's identity, used
// by the listing surface.
func (s *IamUserService) GetAccountNumber(ctx context.Context, sessionId string) (string, error) {
	creds, err := s.GenerateCredentials(ctx, sessionId)
	if err != nil {
		return "", err
	}
	sess, err := s.getSession(sessionId)
	if err != nil {
		return "", err
	}
	svc, err := s.clients.StsClientWithCreds(ctx, sess.Region, creds)
	if err != nil {
		return "", err
	}
	out, err := svc.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", providerErr("get caller identity", err)
	}
	return aws.ToString(out.Account), nil
}

func (s *IamUserService) ApplyCredentials(ctx context.Context, sessionId string, creds session.CredentialsInfo) error {
	return s.applyCredentials(sessionId, creds)
}

func (s *IamUserService) DeApplyCredentials(ctx context.Context, sessionId string) error {
	return s.deApplyCredentials(sessionId)
}

// RemoveSecrets purges the stored keys and cached token. Failures are
// logged, never propagated, so deleting a session cannot be blocked by an
// already missing secret.
func (s *IamUserService) RemoveSecrets(ctx context.Context, sessionId string) {
	for _, key := range []string{accessKeyIdKey(sessionId), secretAccessKeyKey(sessionId), sessionTokenKey(sessionId)} {
		if err := s.secrets.DeleteSecret(key); err != nil {
			s.log.WithFields(map[string]interface{}{"session": sessionId, "key": key}).
				Warnf("secret cleanup failed: %v", err)
		}
	}
}

func (s *IamUserService) Start(ctx context.Context, sessionId string) error {
	return s.start(ctx, s, sessionId)
}

func (s *IamUserService) Stop(ctx context.Context, sessionId string) error {
	return s.stop(ctx, s, sessionId)
}
