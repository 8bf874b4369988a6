package store

import (
	"context"

	"booking-service/internal/models"

	"github.com/lib/pq"
)

// ListRankingCandidates returns active providers, optionally only those
// sharing at least one category with the query. categories must be lowercase.
func (s *Store) ListRankingCandidates(ctx context.Context, categories []string, limit int) ([]models.Provider, error) {
	var filter interface{}
	if len(categories) > 0 {
		filter = pq.Array(categories)
	}

	var providers []models.Provider
	err := s.db.SelectContext(ctx, &providers, `
		SELECT * FROM providers
		WHERE is_active
		  AND ($1::text[] IS NULL OR EXISTS (
				SELECT 1 FROM unnest(categories) AS c WHERE lower(c) = ANY($1::text[])))
		ORDER BY id
		LIMIT $2`, filter, limit)
	return providers, err
}

// GetServicesByProviderIDs returns the offerings of the given providers.
func (s *Store) GetServicesByProviderIDs(ctx context.Context, providerIDs []string) ([]models.ProviderService, error) {
	if len(providerIDs) == 0 {
		return []models.ProviderService{}, nil
	}

	var services []models.ProviderService
	err := s.db.SelectContext(ctx, &services,
		"SELECT * FROM provider_services WHERE provider_id = ANY($1) ORDER BY provider_id, id",
		pq.Array(providerIDs))
	return services, err
}
