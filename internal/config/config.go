package config

import (
	"fmt"
	"log"
	"os"
	"path"
	"time"
)

const (
	SELF_NAME = "leapp"

	// GetSessionToken allows up to 36h, role assumption only 1h
	SESSION_TOKEN_DURATION = 36000
	SAML_SESSION_DURATION  = 3600
	CHAINED_SESSION_NAME   = "assumed-from-leapp"

	DEFAULT_REGION   = "eu-west-1"
	DEFAULT_LOCATION = "eastus"
	DEFAULT_PROFILE  = "default"

	// sentinel emitted by the MFA prompter when the user dismisses the dialog
	MFA_CONFIRM_CLOSED = "confirm-closed"

	SSO_ACCESS_TOKEN_KEY = "aws-sso-access-token"
	SSO_CLIENT_NAME      = SELF_NAME
	SSO_CLIENT_TYPE      = "public"
	SSO_GRANT_TYPE       = "urn:ietf:params:oauth:grant-type:device_code"
	SSO_LIST_PAGE_SIZE   = 30

	AZURE_TOKEN_KEY_PATTERN = "%s-azure-access-token"
	AZURE_DEFAULT_SCOPE     = "https://management.azure.com/.default"

	BROWSER_WAIT_TIMEOUT = 120 * time.Second
)

// Keychain key patterns, keyed by sessionId.
const (
	IAM_USER_ACCESS_KEY_ID_PATTERN     = "%s-iam-user-aws-session-access-key-id"
	IAM_USER_SECRET_ACCESS_KEY_PATTERN = "%s-iam-user-aws-session-secret-access-key"
	IAM_USER_SESSION_TOKEN_PATTERN     = "%s-iam-user-aws-session-token"
)

func HomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		log.Fatal("unable to get the user home dir")
	}
	return home
}

// WorkspaceFile returns the path to the workspace store.
// basePath overrides the home location when provided.
func WorkspaceFile(basePath string) string {
	base := basePath
	if base == "" {
		base = path.Join(HomeDir(), fmt.Sprintf(".%s", SELF_NAME))
	}
	return path.Join(base, "workspace.json")
}

// AwsCredentialsFile resolves the shared AWS credential file,
// honouring the standard env var override.
func AwsCredentialsFile() string {
	if overridden, exists := os.LookupEnv("AWS_SHARED_CREDENTIALS_FILE"); exists {
		return overridden
	}
	return path.Join(HomeDir(), ".aws", "credentials")
}

// AzureProfileFile is the subscription profile written for azure sessions.
func AzureProfileFile(basePath string) string {
	base := basePath
	if base == "" {
		base = path.Join(HomeDir(), fmt.Sprintf(".%s", SELF_NAME))
	}
	return path.Join(base, "azureProfile.json")
}
