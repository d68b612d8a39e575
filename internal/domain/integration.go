package domain

import (
	"context"
	"time"
)

// IntegrationType names a class of external service a workflow may depend on.
type IntegrationType string

const (
	IntegrationCalendar IntegrationType = "calendar"
	IntegrationCRM      IntegrationType = "crm"
	IntegrationEmail    IntegrationType = "email"
)

// IntegrationTypes lists the types reported by agent integration status.
func IntegrationTypes() []IntegrationType {
	return []IntegrationType{IntegrationCalendar, IntegrationCRM, IntegrationEmail}
}

// RequiredIntegration returns the integration a node type depends on, if any.
func RequiredIntegration(t NodeType) (IntegrationType, bool) {
	switch t {
	case NodeScheduleMeeting:
		return IntegrationCalendar, true
	case NodeCRMUpdate:
		return IntegrationCRM, true
	case NodeEmail:
		return IntegrationEmail, true
	}
	return "", false
}

// Integration is one configured integration of a user.
type Integration struct {
	UserID    string          `json:"user_id" yaml:"user_id"`
	Type      IntegrationType `json:"type" yaml:"type"`
	Provider  string          `json:"provider" yaml:"provider"`
	Active    bool            `json:"active" yaml:"active"`
	UpdatedAt time.Time       `json:"updated_at,omitempty" yaml:"-"`
}

// IntegrationStatusProvider reports which integrations a user has configured.
type IntegrationStatusProvider interface {
	ListIntegrations(ctx context.Context, userID string) ([]Integration, error)
}

// ActiveIntegrationTypes collapses a user's integrations into the set of active types.
func ActiveIntegrationTypes(ctx context.Context, p IntegrationStatusProvider, userID string) (map[IntegrationType]bool, error) {
	active := make(map[IntegrationType]bool)
	if p == nil || userID == "" {
		return active, nil
	}
	list, err := p.ListIntegrations(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, in := range list {
		if in.Active {
			active[in.Type] = true
		}
	}
	return active, nil
}

// IntegrationStatus is the per-type readiness of an agent's workflows.
type IntegrationStatus struct {
	Configured bool     `json:"configured"`
	Provider   string   `json:"provider,omitempty"`
	RequiredBy []string `json:"required_by"`
}
