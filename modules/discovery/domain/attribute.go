package domain

import (
	"context"

	"github.com/google/uuid"
)

// Attribute is one discovery attribute of an organization: a type key and
// the values registered under it.
type Attribute struct {
	Type   string
	Values []string
}

// DedupValues returns a copy with duplicate values removed, preserving the
// order of first occurrence.
func (a Attribute) DedupValues() Attribute {
	seen := make(map[string]struct{}, len(a.Values))
	values := make([]string, 0, len(a.Values))
	for _, v := range a.Values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		values = append(values, v)
	}
	return Attribute{Type: a.Type, Values: values}
}

// OrganizationDiscovery pairs an organization with its discovery attributes.
type OrganizationDiscovery struct {
	OrgID      uuid.UUID
	Attributes []Attribute
}

// TypeHandler describes one supported discovery attribute type. Enablement
// is evaluated per root organization so one tenant can turn a type on
// without affecting the others.
type TypeHandler interface {
	Type() string
	IsEnabledFor(ctx context.Context, rootOrgID uuid.UUID) (bool, error)
}

// TypeRegistry holds the attribute types a deployment supports. It is built
// at construction and never mutated afterwards.
type TypeRegistry struct {
	handlers map[string]TypeHandler
}

func NewTypeRegistry(handlers ...TypeHandler) *TypeRegistry {
	m := make(map[string]TypeHandler, len(handlers))
	for _, h := range handlers {
		m[h.Type()] = h
	}
	return &TypeRegistry{handlers: m}
}

func (r *TypeRegistry) Handler(typ string) (TypeHandler, bool) {
	h, ok := r.handlers[typ]
	return h, ok
}

// TypeEmailDomain claims ownership of an email domain so that users signing
// in with a matching address can be routed to the organization.
const TypeEmailDomain = "emailDomain"

// EnabledFunc reports whether a discovery type is enabled for a root
// organization. A nil func means always enabled.
type EnabledFunc func(ctx context.Context, rootOrgID uuid.UUID) (bool, error)

type emailDomainHandler struct {
	enabled EnabledFunc
}

func NewEmailDomainHandler(enabled EnabledFunc) TypeHandler {
	return &emailDomainHandler{enabled: enabled}
}

func (h *emailDomainHandler) Type() string { return TypeEmailDomain }

func (h *emailDomainHandler) IsEnabledFor(ctx context.Context, rootOrgID uuid.UUID) (bool, error) {
	if h.enabled == nil {
		return true, nil
	}
	return h.enabled(ctx, rootOrgID)
}
