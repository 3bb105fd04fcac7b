// Package awsclient narrows the AWS SDK clients to the calls the session
// services actually make, and builds them per region or per credential set
// for chained second hops.
package awsclient

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sso"
	"github.com/aws/aws-sdk-go-v2/service/ssooidc"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/alexmorozenko/leapp/internal/session"
)

var ErrUnableSessionCreate = errors.New("unable to create an aws client session")

type StsApi interface {
	GetSessionToken(ctx context.Context, params *sts.GetSessionTokenInput, optFns ...func(*sts.Options)) (*sts.GetSessionTokenOutput, error)
	AssumeRole(ctx context.Context, params *sts.AssumeRoleInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleOutput, error)
	AssumeRoleWithSAML(ctx context.Context, params *sts.AssumeRoleWithSAMLInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleWithSAMLOutput, error)
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

type SsoPortalApi interface {
	GetRoleCredentials(ctx context.Context, params *sso.GetRoleCredentialsInput, optFns ...func(*sso.Options)) (*sso.GetRoleCredentialsOutput, error)
	ListAccounts(ctx context.Context, params *sso.ListAccountsInput, optFns ...func(*sso.Options)) (*sso.ListAccountsOutput, error)
	ListAccountRoles(ctx context.Context, params *sso.ListAccountRolesInput, optFns ...func(*sso.Options)) (*sso.ListAccountRolesOutput, error)
	Logout(ctx context.Context, params *sso.LogoutInput, optFns ...func(*sso.Options)) (*sso.LogoutOutput, error)
}

type SsoOidcApi interface {
	RegisterClient(ctx context.Context, params *ssooidc.RegisterClientInput, optFns ...func(*ssooidc.Options)) (*ssooidc.RegisterClientOutput, error)
	StartDeviceAuthorization(ctx context.Context, params *ssooidc.StartDeviceAuthorizationInput, optFns ...func(*ssooidc.Options)) (*ssooidc.StartDeviceAuthorizationOutput, error)
	CreateToken(ctx context.Context, params *ssooidc.CreateTokenInput, optFns ...func(*ssooidc.Options)) (*ssooidc.CreateTokenOutput, error)
}

// Factory builds the narrowed clients. Session services depend on this
// interface so tests can hand back function-field mocks.
type Factory interface {
	StsClient(ctx context.Context, region string) (StsApi, error)
	StsClientWithCreds(ctx context.Context, region string, creds session.CredentialsInfo) (StsApi, error)
	SsoClient(ctx context.Context, region string) (SsoPortalApi, error)
	SsoOidcClient(ctx context.Context, region string) (SsoOidcApi, error)
}

type sdkFactory struct{}

func NewFactory() Factory {
	return &sdkFactory{}
}

func (f *sdkFactory) StsClient(ctx context.Context, region string) (StsApi, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("%s, %w", err, ErrUnableSessionCreate)
	}
	return sts.NewFromConfig(cfg), nil
}

// StsClientWithCreds pins the client to an explicit credential set, this is
// the second hop of a chained session where the parent credentials act as
// the calling identity.
func (f *sdkFactory) StsClientWithCreds(ctx context.Context, region string, creds session.CredentialsInfo) (StsApi, error) {
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			creds.AccessKeyId, creds.SecretAccessKey, creds.SessionToken)),
	)
	if err != nil {
		return nil, fmt.Errorf("%s, %w", err, ErrUnableSessionCreate)
	}
	return sts.NewFromConfig(cfg), nil
}

func (f *sdkFactory) SsoClient(ctx context.Context, region string) (SsoPortalApi, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("%s, %w", err, ErrUnableSessionCreate)
	}
	return sso.NewFromConfig(cfg), nil
}

func (f *sdkFactory) SsoOidcClient(ctx context.Context, region string) (SsoOidcApi, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("%s, %w", err, ErrUnableSessionCreate)
	}
	return ssooidc.NewFromConfig(cfg), nil
}
