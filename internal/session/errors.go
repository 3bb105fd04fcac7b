package session

import "errors"

// Error kinds shared by every session service. Callers match with errors.Is,
// concrete causes are wrapped in via fmt.Errorf("...: %w", ...).
var (
	ErrNotFound        = errors.New("session not found")
	ErrProvider        = errors.New("provider rejected the exchange")
	ErrParse           = errors.New("malformed token material")
	ErrMissingMfaToken = errors.New("missing multi factor authentication code")
	ErrSamlExtraction  = errors.New("saml payload absent from redirect")
	ErrUnsupportedType = errors.New("unsupported session type")
	ErrWindowClosed    = errors.New("login window closed by user")
	ErrCycle           = errors.New("chained session parent cycle")
)
