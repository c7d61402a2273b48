package providers

import "strings"

// CredentialKind is the auth header shape chosen for a credential
type CredentialKind int

const (
	CredentialNone   CredentialKind = iota
	CredentialAPIKey                // sent raw in the api-key header
	CredentialBearer                // sent as Authorization: Bearer
)

func (k CredentialKind) String() string {
	switch k {
	case CredentialAPIKey:
		return "api-key"
	case CredentialBearer:
		return "bearer"
	default:
		return "none"
	}
}

// ClassifyCredential treats a secret with at least two '.' separators as a bearer
// token (the header.payload.signature shape of a JWT / Entra ID token) and anything
// else as a raw API key.
//
// Known limitation: an opaque key that happens to contain two dots is misclassified
// as a bearer token.
func ClassifyCredential(credential string) CredentialKind {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return CredentialNone
	}
	if strings.Count(credential, ".") >= 2 {
		return CredentialBearer
	}
	return CredentialAPIKey
}
