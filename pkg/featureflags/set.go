// Package featureflags controls experimental behavior via environment
// variables of the form AUTHRIM_<NAME>.
package featureflags

var (
	// TokenExchange enables the RFC 8693 token exchange grant.
	TokenExchange = newFlag("token_exchange", true)

	// IDJAG enables the identity-assertion authorization grant extension of
	// token exchange.
	IDJAG = newFlag("id_jag", false)

	// NativeSSO enables device-secret issuance and the Native SSO token
	// exchange profile.
	NativeSSO = newFlag("native_sso", false)

	// ClientCredentials enables the client_credentials grant.
	ClientCredentials = newFlag("client_credentials", true)

	// APIAuditLog mirrors authoritative state changes into the audit log.
	APIAuditLog = newFlag("api_audit_log", true)
)
