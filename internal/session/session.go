// Package session holds the session entity shared by every credential
// protocol: one record type tagged by a Type discriminator rather than a
// subclass per provider flavour.
package session

import (
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	TypeIamUser           Type = "aws-iam-user"
	TypeIamRoleFederated  Type = "aws-iam-role-federated"
	TypeIamRoleChained    Type = "aws-iam-role-chained"
	TypeSsoRole           Type = "aws-sso-role"
	TypeAzureSubscription Type = "azure-subscription"
)

type Status string

const (
	StatusInactive Status = "inactive"
	StatusPending  Status = "pending"
	StatusActive   Status = "active"
)

// Session is one configured identity. Variant specific fields are only
// populated for the matching Type.
type Session struct {
	Id        string `json:"id"`
	Name      string `json:"name"`
	Region    string `json:"region"`
	Status    Status `json:"status"`
	Type      Type   `json:"type"`
	ProfileId string `json:"profileId"`

	// iam user
	MfaDevice              string    `json:"mfaDevice,omitempty"`
	SessionTokenExpiration time.Time `json:"sessionTokenExpiration,omitempty"`

	// federated
	IdpUrl string `json:"idpUrl,omitempty"`
	IdpArn string `json:"idpArn,omitempty"`

	// federated, chained and sso all target a role
	RoleArn string `json:"roleArn,omitempty"`

	// chained
	ParentSessionId string `json:"parentSessionId,omitempty"`

	// sso
	Email string `json:"email,omitempty"`

	// azure
	SubscriptionId string `json:"subscriptionId,omitempty"`
	TenantId       string `json:"tenantId,omitempty"`
}

func New(name, region string, typ Type, profileId string) Session {
	return Session{
		Id:        uuid.NewString(),
		Name:      name,
		Region:    region,
		Status:    StatusInactive,
		Type:      typ,
		ProfileId: profileId,
	}
}

// Expired reports whether the cached token material for this session has
// lapsed. Sessions without a recorded expiration are treated as expired so
// the next rotation pass regenerates them.
func (s Session) Expired(now time.Time) bool {
	if s.SessionTokenExpiration.IsZero() {
		return true
	}
	return now.After(s.SessionTokenExpiration)
}

// CredentialsInfo is the short-lived credential bundle produced by every
// generate call, in the field shape of the shared AWS credential file.
type CredentialsInfo struct {
	AccessKeyId     string    `json:"aws_access_key_id"`
	SecretAccessKey string    `json:"aws_secret_access_key"`
	SessionToken    string    `json:"aws_session_token"`
	Region          string    `json:"region,omitempty"`
	Expiration      time.Time `json:"expiration,omitempty"`
}

// SsoConfiguration is the single process-wide SSO login state, persisted in
// the workspace and owned by the sso role service login/logout calls.
type SsoConfiguration struct {
	Region         string    `json:"region,omitempty"`
	PortalUrl      string    `json:"portalUrl,omitempty"`
	ExpirationTime time.Time `json:"expirationTime,omitempty"`
}

// NamedProfile maps a profile id to the credential file section it owns.
type NamedProfile struct {
	Id   string `json:"id"`
	Name string `json:"name"`
}
