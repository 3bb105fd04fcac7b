// Package azure adapts the azure identity device code flow to the token
// provider contract the azure session service consumes.
package azure

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"

	"github.com/alexmorozenko/leapp/internal/config"
	"github.com/alexmorozenko/leapp/internal/service"
)

type DeviceCodeTokenProvider struct {
	scope string
	out   io.Writer
}

func NewDeviceCodeTokenProvider() *DeviceCodeTokenProvider {
	return &DeviceCodeTokenProvider{scope: config.AZURE_DEFAULT_SCOPE, out: os.Stderr}
}

func (p *DeviceCodeTokenProvider) WithOutput(w io.Writer) *DeviceCodeTokenProvider {
	p.out = w
	return p
}

// GetToken runs the device code login for the tenant, the verification
// message is surfaced to the user on the configured writer.
func (p *DeviceCodeTokenProvider) GetToken(ctx context.Context, tenantId string) (service.AzureAccessToken, error) {
	cred, err := azidentity.NewDeviceCodeCredential(&azidentity.DeviceCodeCredentialOptions{
		TenantID: tenantId,
		UserPrompt: func(ctx context.Context, m azidentity.DeviceCodeMessage) error {
			_, err := fmt.Fprintln(p.out, m.Message)
			return err
		},
	})
	if err != nil {
		return service.AzureAccessToken{}, fmt.Errorf("cannot build device code credential: %w", err)
	}

	token, err := cred.GetToken(ctx, policy.TokenRequestOptions{Scopes: []string{p.scope}})
	if err != nil {
		return service.AzureAccessToken{}, err
	}
	return service.AzureAccessToken{
		Token:     token.Token,
		ExpiresOn: token.ExpiresOn.Unix(),
	}, nil
}
