package service

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/alexmorozenko/leapp/internal/config"
	"github.com/alexmorozenko/leapp/internal/session"
)

// AzureTokenProvider mints a bearer token for a tenant, implemented over the
// azure identity device code flow and mocked in tests.
type AzureTokenProvider interface {
	GetToken(ctx context.Context, tenantId string) (AzureAccessToken, error)
}

// AzureAccessToken mirrors the azcore token shape the provider hands back.
type AzureAccessToken struct {
	Token     string
	ExpiresOn int64
}

// AzureService activates azure subscription sessions: a bearer token is
// acquired for the tenant, cached in the secret store, and the subscription
// entry is written to the azure profile file. There is no ini section for
// azure, profile ownership applies to the aws variants only.
type AzureService struct {
	base
	secrets     SecretStore
	tokens      AzureTokenProvider
	profilePath string
}

func NewAzureService(deps Deps) *AzureService {
	return &AzureService{
		base:        deps.base(),
		secrets:     deps.Secrets,
		tokens:      deps.AzureTokens,
		profilePath: deps.AzureProfilePath,
	}
}

func azureTokenKey(sessionId string) string {
	return fmt.Sprintf(config.AZURE_TOKEN_KEY_PATTERN, sessionId)
}

type azureProfileEntry struct {
	SubscriptionId string `json:"subscriptionId"`
	TenantId       string `json:"tenantId"`
	Name           string `json:"name"`
	Location       string `json:"location"`
}

type azureProfile struct {
	Subscriptions []azureProfileEntry `json:"subscriptions"`
}

func (s *AzureService) Create(ctx context.Context, req CreateRequest, profileId string) (session.Session, error) {
	sess := session.New(req.Name, req.Region, session.TypeAzureSubscription, profileId)
	sess.SubscriptionId = req.SubscriptionId
	sess.TenantId = req.TenantId
	if err := s.register(sess); err != nil {
		return session.Session{}, err
	}
	return sess, nil
}

func (s *AzureService) GenerateCredentials(ctx context.Context, sessionId string) (session.CredentialsInfo, error) {
	sess, err := s.getSession(sessionId)
	if err != nil {
		return session.CredentialsInfo{}, err
	}

	token, err := s.tokens.GetToken(ctx, sess.TenantId)
	if err != nil {
		return session.CredentialsInfo{}, fmt.Errorf("azure token for tenant %s: %s, %w", sess.TenantId, err, session.ErrProvider)
	}

	if err := s.secrets.SaveSecret(azureTokenKey(sessionId), token.Token); err != nil {
		return session.CredentialsInfo{}, err
	}

	return session.CredentialsInfo{
		SessionToken: token.Token,
		Region:       sess.Region,
		Expiration:   unixTime(token.ExpiresOn),
	}, nil
}

// ApplyCredentials records the subscription in the azure profile file,
// replacing a previous entry for the same subscription.
func (s *AzureService) ApplyCredentials(ctx context.Context, sessionId string, creds session.CredentialsInfo) error {
	sess, err := s.getSession(sessionId)
	if err != nil {
		return err
	}

	profile, err := s.loadProfile()
	if err != nil {
		return err
	}
	entries := []azureProfileEntry{}
	for _, e := range profile.Subscriptions {
		if e.SubscriptionId != sess.SubscriptionId {
			entries = append(entries, e)
		}
	}
	entries = append(entries, azureProfileEntry{
		SubscriptionId: sess.SubscriptionId,
		TenantId:       sess.TenantId,
		Name:           sess.Name,
		Location:       sess.Region,
	})
	profile.Subscriptions = entries
	return s.saveProfile(profile)
}

func (s *AzureService) DeApplyCredentials(ctx context.Context, sessionId string) error {
	sess, err := s.getSession(sessionId)
	if err != nil {
		return err
	}

	profile, err := s.loadProfile()
	if err != nil {
		return err
	}
	entries := []azureProfileEntry{}
	for _, e := range profile.Subscriptions {
		if e.SubscriptionId != sess.SubscriptionId {
			entries = append(entries, e)
		}
	}
	profile.Subscriptions = entries
	return s.saveProfile(profile)
}

func (s *AzureService) RemoveSecrets(ctx context.Context, sessionId string) {
	if err := s.secrets.DeleteSecret(azureTokenKey(sessionId)); err != nil {
		s.log.WithFields(map[string]interface{}{"session": sessionId}).
			Warnf("secret cleanup failed: %v", err)
	}
}

func (s *AzureService) Start(ctx context.Context, sessionId string) error {
	return s.start(ctx, s, sessionId)
}

func (s *AzureService) Stop(ctx context.Context, sessionId string) error {
	return s.stop(ctx, s, sessionId)
}

func unixTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

func (s *AzureService) loadProfile() (*azureProfile, error) {
	profile := &azureProfile{}
	b, err := os.ReadFile(s.profilePath)
	if err != nil {
		if os.IsNotExist(err) {
			return profile, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(b, profile); err != nil {
		return nil, fmt.Errorf("azure profile: %s, %w", err, session.ErrParse)
	}
	return profile, nil
}

func (s *AzureService) saveProfile(profile *azureProfile) error {
	if err := os.MkdirAll(filepath.Dir(s.profilePath), 0700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(profile, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.profilePath, b, 0600)
}
