package service

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/alexmorozenko/leapp/internal/awsclient"
	"github.com/alexmorozenko/leapp/internal/config"
	"github.com/alexmorozenko/leapp/internal/session"
)

// IamRoleChainedService derives credentials from another session: the
// parent's own service generates the first hop, those credentials become the
// calling identity for an AssumeRole on the chained role arn.
type IamRoleChainedService struct {
	base
	clients awsclient.Factory

	// set by the factory after construction, parent dispatch is dynamic
	// over the session type tag
	resolve func(typ session.Type) (SessionService, error)
}

func NewIamRoleChainedService(deps Deps) *IamRoleChainedService {
	return &IamRoleChainedService{
		base:    deps.base(),
		clients: deps.Clients,
	}
}

func (s *IamRoleChainedService) Create(ctx context.Context, req CreateRequest, profileId string) (session.Session, error) {
	if _, err := s.repo.GetSession(req.ParentSessionId); err != nil {
		return session.Session{}, notFound(err)
	}
	sess := session.New(req.Name, req.Region, session.TypeIamRoleChained, profileId)
	sess.RoleArn = req.RoleArn
	sess.ParentSessionId = req.ParentSessionId
	if err := s.register(sess); err != nil {
		return session.Session{}, err
	}
	return sess, nil
}

func (s *IamRoleChainedService) GenerateCredentials(ctx context.Context, sessionId string) (session.CredentialsInfo, error) {
	sess, err := s.getSession(sessionId)
	if err != nil {
		return session.CredentialsInfo{}, err
	}

	// walking the whole chain up-front rejects cycles before any network
	// call is made
	chain, err := s.repo.ResolveParentChain(sessionId)
	if err != nil {
		return session.CredentialsInfo{}, notFound(err)
	}
	if len(chain) == 0 {
		return session.CredentialsInfo{}, fmt.Errorf("parent of %s, %w", sessionId, session.ErrNotFound)
	}
	parent := chain[0]

	parentService, err := s.resolve(parent.Type)
	if err != nil {
		return session.CredentialsInfo{}, err
	}
	parentCreds, err := parentService.GenerateCredentials(ctx, parent.Id)
	if err != nil {
		return session.CredentialsInfo{}, err
	}

	svc, err := s.clients.StsClientWithCreds(ctx, sess.Region, parentCreds)
	if err != nil {
		return session.CredentialsInfo{}, err
	}
	out, err := svc.AssumeRole(ctx, &sts.AssumeRoleInput{
		RoleArn:         aws.String(sess.RoleArn),
		RoleSessionName: aws.String(config.CHAINED_SESSION_NAME),
	})
	if err != nil {
		return session.CredentialsInfo{}, providerErr(fmt.Sprintf("assume role %s", sess.RoleArn), err)
	}
	if out.Credentials == nil {
		return session.CredentialsInfo{}, fmt.Errorf("empty credentials in assume role response, %w", session.ErrProvider)
	}

	return session.CredentialsInfo{
		AccessKeyId:     aws.ToString(out.Credentials.AccessKeyId),
		SecretAccessKey: aws.ToString(out.Credentials.SecretAccessKey),
		SessionToken:    aws.ToString(out.Credentials.SessionToken),
		Region:          sess.Region,
		Expiration:      aws.ToTime(out.Credentials.Expiration),
	}, nil
}

func (s *IamRoleChainedService) ApplyCredentials(ctx context.Context, sessionId string, creds session.CredentialsInfo) error {
	return s.applyCredentials(sessionId, creds)
}

func (s *IamRoleChainedService) DeApplyCredentials(ctx context.Context, sessionId string) error {
	return s.deApplyCredentials(sessionId)
}

// RemoveSecrets is a no-op, chained sessions keep nothing in the secret
// store.
func (s *IamRoleChainedService) RemoveSecrets(ctx context.Context, sessionId string) {}

func (s *IamRoleChainedService) Start(ctx context.Context, sessionId string) error {
	return s.start(ctx, s, sessionId)
}

func (s *IamRoleChainedService) Stop(ctx context.Context, sessionId string) error {
	return s.stop(ctx, s, sessionId)
}
