// Package integration provides integration status lookups that do not need
// a database.
package integration

import (
	"context"
	"sort"
	"sync"
	"time"

	"afo-engine/internal/domain"
	"afo-engine/internal/infra/config"
)

// Static serves integrations declared in configuration. It is safe for
// concurrent use; Set allows runtime updates for the memory driver.
type Static struct {
	mu     sync.RWMutex
	byUser map[string]map[domain.IntegrationType]domain.Integration
}

var _ domain.IntegrationStatusProvider = (*Static)(nil)

// NewStatic builds a provider from config entries. Later entries for the
// same user and type replace earlier ones.
func NewStatic(entries []config.IntegrationConfig) *Static {
	s := &Static{byUser: make(map[string]map[domain.IntegrationType]domain.Integration)}
	now := time.Now().UTC()
	for _, e := range entries {
		s.set(domain.Integration{
			UserID:    e.UserID,
			Type:      domain.IntegrationType(e.Type),
			Provider:  e.Provider,
			Active:    e.IsActive(),
			UpdatedAt: now,
		})
	}
	return s
}

// ListIntegrations returns the user's integrations ordered by type.
func (s *Static) ListIntegrations(_ context.Context, userID string) ([]domain.Integration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Integration, 0, len(s.byUser[userID]))
	for _, in := range s.byUser[userID] {
		out = append(out, in)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out, nil
}

// UpsertIntegration adds or replaces one integration.
func (s *Static) UpsertIntegration(_ context.Context, in domain.Integration) error {
	if in.UserID == "" || in.Type == "" {
		return domain.NewDomainError("integration.Upsert", domain.ErrInvalidInput, "user_id and type are required")
	}
	in.UpdatedAt = time.Now().UTC()
	s.mu.Lock()
	s.set(in)
	s.mu.Unlock()
	return nil
}

func (s *Static) set(in domain.Integration) {
	m, ok := s.byUser[in.UserID]
	if !ok {
		m = make(map[domain.IntegrationType]domain.Integration)
		s.byUser[in.UserID] = m
	}
	m[in.Type] = in
}
