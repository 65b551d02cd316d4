package provider

import (
	"github.com/crosslane/crosslane/pkg/attrmap"
	"github.com/crosslane/crosslane/pkg/errdefs"
)

// PresetMapping returns ready-made attribute mapping rules for well-known
// identity providers, used to seed a new provider configuration.
func PresetMapping(name string) ([]attrmap.Rule, error) {
	switch name {
	case "azuread":
		return []attrmap.Rule{
			{Source: "oid", Target: attrmap.FieldSubject},
			{Source: "preferred_username", Target: attrmap.FieldUsername},
			{Source: "email", Target: attrmap.FieldEmail, Transform: "lowercase"},
			{Source: "name", Target: attrmap.FieldFullName},
			{Source: "given_name", Target: attrmap.FieldFirstName},
			{Source: "family_name", Target: attrmap.FieldLastName},
			{Source: "groups", Target: attrmap.FieldGroups},
		}, nil

	case "okta":
		return []attrmap.Rule{
			{Source: "sub", Target: attrmap.FieldSubject},
			{Source: "preferred_username", Target: attrmap.FieldUsername},
			{Source: "email", Target: attrmap.FieldEmail, Transform: "lowercase"},
			{Source: "name", Target: attrmap.FieldFullName},
			{Source: "given_name", Target: attrmap.FieldFirstName},
			{Source: "family_name", Target: attrmap.FieldLastName},
			{Source: "groups", Target: attrmap.FieldGroups},
		}, nil

	case "google":
		return []attrmap.Rule{
			{Source: "sub", Target: attrmap.FieldSubject},
			{Source: "email", Target: attrmap.FieldUsername, Transform: "lowercase"},
			{Source: "email", Target: attrmap.FieldEmail, Transform: "lowercase"},
			{Source: "name", Target: attrmap.FieldFullName},
			{Source: "given_name", Target: attrmap.FieldFirstName},
			{Source: "family_name", Target: attrmap.FieldLastName},
		}, nil

	case "generic-saml":
		return []attrmap.Rule{
			{Source: "name_id", Target: attrmap.FieldSubject},
			{Source: "http://schemas.xmlsoap.org/ws/2005/05/identity/claims/emailaddress", Target: attrmap.FieldEmail, Transform: "lowercase"},
			{Source: "http://schemas.xmlsoap.org/ws/2005/05/identity/claims/name", Target: attrmap.FieldUsername},
			{Source: "http://schemas.xmlsoap.org/ws/2005/05/identity/claims/givenname", Target: attrmap.FieldFirstName},
			{Source: "http://schemas.xmlsoap.org/ws/2005/05/identity/claims/surname", Target: attrmap.FieldLastName},
			{Source: "http://schemas.microsoft.com/ws/2008/06/identity/claims/groups", Target: attrmap.FieldGroups},
		}, nil

	default:
		return nil, errdefs.Validation("no preset mapping for provider %q", name)
	}
}
