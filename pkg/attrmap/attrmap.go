// Package attrmap translates provider-specific claims and assertion
// attributes into the platform's canonical user attribute schema, driven by
// per-organization mapping rules.
package attrmap

import (
	"strings"

	"github.com/crosslane/crosslane/pkg/errdefs"
)

// Canonical field names a rule may target.
const (
	FieldSubject   = "subject"
	FieldUsername  = "username"
	FieldEmail     = "email"
	FieldFullName  = "full_name"
	FieldFirstName = "first_name"
	FieldLastName  = "last_name"
	FieldGroups    = "groups"
)

// RawAttributes holds attributes as received from a provider. SAML
// attributes are naturally multi-valued; OIDC claims carry one value.
type RawAttributes map[string][]string

// Add appends a value for name.
func (r RawAttributes) Add(name, value string) {
	r[name] = append(r[name], value)
}

// Rule maps one source claim or attribute to a canonical field, with an
// optional transform. Rules apply in declaration order; a later rule
// overwrites an earlier result for the same field (last-write-wins).
type Rule struct {
	Source    string `json:"source"`
	Target    string `json:"target"`
	Transform string `json:"transform,omitempty"` // "lowercase", "trim", "split:<sep>", "default:<value>"
}

// Canonical is the normalized identity produced by mapping. Subject is the
// unique identifier; an exchange with an empty subject fails closed.
type Canonical struct {
	Subject   string            `json:"subject"`
	Username  string            `json:"username,omitempty"`
	Email     string            `json:"email,omitempty"`
	FullName  string            `json:"full_name,omitempty"`
	FirstName string            `json:"first_name,omitempty"`
	LastName  string            `json:"last_name,omitempty"`
	Groups    []string          `json:"groups,omitempty"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// Map applies rules to raw in declaration order and returns the canonical
// attributes. It fails with a validation error when no rule resolves the
// subject field to a non-empty value.
func Map(raw RawAttributes, rules []Rule) (*Canonical, error) {
	out := &Canonical{Extra: make(map[string]string)}

	for _, rule := range rules {
		if rule.Target == "" {
			return nil, errdefs.Validation("mapping rule for source %q has no target field", rule.Source)
		}

		values := append([]string(nil), raw[rule.Source]...)
		values, err := applyTransform(values, rule.Transform)
		if err != nil {
			return nil, err
		}
		if len(values) == 0 {
			continue
		}

		switch rule.Target {
		case FieldSubject:
			out.Subject = values[0]
		case FieldUsername:
			out.Username = values[0]
		case FieldEmail:
			out.Email = values[0]
		case FieldFullName:
			out.FullName = values[0]
		case FieldFirstName:
			out.FirstName = values[0]
		case FieldLastName:
			out.LastName = values[0]
		case FieldGroups:
			out.Groups = values
		default:
			out.Extra[rule.Target] = values[0]
		}
	}

	if out.Subject == "" {
		return nil, errdefs.Validation("mapping rules did not resolve the subject field")
	}
	return out, nil
}

func applyTransform(values []string, transform string) ([]string, error) {
	if transform == "" {
		return nonEmpty(values), nil
	}

	switch {
	case transform == "lowercase":
		for i := range values {
			values[i] = strings.ToLower(values[i])
		}
		return nonEmpty(values), nil

	case transform == "trim":
		for i := range values {
			values[i] = strings.TrimSpace(values[i])
		}
		return nonEmpty(values), nil

	case strings.HasPrefix(transform, "split:"):
		sep := strings.TrimPrefix(transform, "split:")
		if sep == "" {
			return nil, errdefs.Validation("split transform requires a separator")
		}
		var split []string
		for _, v := range values {
			for _, part := range strings.Split(v, sep) {
				if part = strings.TrimSpace(part); part != "" {
					split = append(split, part)
				}
			}
		}
		return split, nil

	case strings.HasPrefix(transform, "default:"):
		kept := nonEmpty(values)
		if len(kept) == 0 {
			return []string{strings.TrimPrefix(transform, "default:")}, nil
		}
		return kept, nil

	default:
		return nil, errdefs.Validation("unknown transform %q", transform)
	}
}

// nonEmpty returns the non-empty values as a fresh slice; the input is
// never modified.
func nonEmpty(values []string) []string {
	var out []string
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
