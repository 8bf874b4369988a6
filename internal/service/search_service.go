package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"booking-service/internal/models"
	"booking-service/internal/ranking"
	"booking-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	candidateCachePrefix  = "search:candidates:"
	defaultCandidateLimit = 1000
)

// CandidateSource loads ranking candidates from the system of record.
type CandidateSource interface {
	ListRankingCandidates(ctx context.Context, categories []string, limit int) ([]models.Provider, error)
	GetServicesByProviderIDs(ctx context.Context, providerIDs []string) ([]models.ProviderService, error)
}

// CandidateCache holds candidate sets between searches.
type CandidateCache interface {
	GetJSON(ctx context.Context, key string, dst interface{}) (bool, error)
	SetJSON(ctx context.Context, key string, v interface{}, ttl time.Duration) error
}

type SearchConfig struct {
	CacheTTL       time.Duration
	ResultLimit    int
	CandidateLimit int
}

// SearchOptions are the per-request ranking switches.
type SearchOptions struct {
	Debug            bool
	BoostVerified    bool
	PenalizeInactive bool
}

// SearchService ranks providers for a query. Candidates come from the cache
// when present and from the database otherwise.
type SearchService struct {
	source CandidateSource
	cache  CandidateCache
	clock  util.Clock
	cfg    SearchConfig
	logger *zap.Logger
}

// NewSearchService creates a new search service. cache may be nil.
func NewSearchService(source CandidateSource, cache CandidateCache, clock util.Clock, cfg SearchConfig) *SearchService {
	if cfg.CandidateLimit <= 0 {
		cfg.CandidateLimit = defaultCandidateLimit
	}
	return &SearchService{
		source: source,
		cache:  cache,
		clock:  clock,
		cfg:    cfg,
		logger: util.GetLogger(),
	}
}

// Search returns ranked providers, best first, trimmed to the configured limit.
func (s *SearchService) Search(ctx context.Context, query ranking.Query, opts SearchOptions) ([]ranking.Result, error) {
	ctx, span := util.StartSpan(ctx, "SearchService.Search",
		attribute.String("query", query.Text),
		attribute.Int("categories", len(query.Categories)))
	defer span.End()

	if err := ranking.ValidateQuery(query); err != nil {
		return nil, err
	}

	candidates, err := s.candidates(ctx, query.Categories)
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	start := time.Now()
	results, err := ranking.Rank(candidates, query, ranking.Options{
		Now:              s.clock.Now(),
		Debug:            opts.Debug,
		BoostVerified:    opts.BoostVerified,
		PenalizeInactive: opts.PenalizeInactive,
	})
	util.RankingLatency.Observe(time.Since(start).Seconds())
	util.RankingCandidates.Observe(float64(len(candidates)))
	if err != nil {
		return nil, err
	}

	if s.cfg.ResultLimit > 0 && len(results) > s.cfg.ResultLimit {
		results = results[:s.cfg.ResultLimit]
	}

	s.logger.Debug("Search ranked",
		zap.String("query", query.Text),
		zap.Int("candidates", len(candidates)),
		zap.Int("results", len(results)))
	return results, nil
}

func (s *SearchService) candidates(ctx context.Context, categories []string) ([]ranking.Provider, error) {
	categories = normalizeCategories(categories)
	key := candidateCachePrefix + "*"
	if len(categories) > 0 {
		key = candidateCachePrefix + strings.Join(categories, ",")
	}

	if s.cache != nil {
		var cached []ranking.Provider
		found, err := s.cache.GetJSON(ctx, key, &cached)
		switch {
		case err != nil:
			util.SearchCacheTotal.WithLabelValues("error").Inc()
			s.logger.Warn("Candidate cache read failed, falling back to DB",
				zap.String("key", key),
				zap.Error(err))
		case found:
			util.SearchCacheTotal.WithLabelValues("hit").Inc()
			return cached, nil
		default:
			util.SearchCacheTotal.WithLabelValues("miss").Inc()
		}
	}

	candidates, err := s.loadCandidates(ctx, categories)
	if err != nil {
		return nil, err
	}

	if s.cache != nil && s.cfg.CacheTTL > 0 {
		if err := s.cache.SetJSON(ctx, key, candidates, s.cfg.CacheTTL); err != nil {
			s.logger.Warn("Failed to cache candidates",
				zap.String("key", key),
				zap.Error(err))
		}
	}
	return candidates, nil
}

func (s *SearchService) loadCandidates(ctx context.Context, categories []string) ([]ranking.Provider, error) {
	providers, err := s.source.ListRankingCandidates(ctx, categories, s.cfg.CandidateLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to list candidates: %w", err)
	}

	ids := make([]string, 0, len(providers))
	for _, p := range providers {
		ids = append(ids, p.ID)
	}
	offerings, err := s.source.GetServicesByProviderIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load provider services: %w", err)
	}

	byProvider := make(map[string][]ranking.Service, len(providers))
	for _, o := range offerings {
		byProvider[o.ProviderID] = append(byProvider[o.ProviderID], ranking.Service{
			Name:        o.Name,
			Description: o.Description,
			PriceCents:  o.PriceCents,
		})
	}

	out := make([]ranking.Provider, 0, len(providers))
	for _, p := range providers {
		out = append(out, toRankingProvider(p, byProvider[p.ID]))
	}
	return out, nil
}

func toRankingProvider(p models.Provider, services []ranking.Service) ranking.Provider {
	rp := ranking.Provider{
		ID:                     p.ID,
		Name:                   p.Name,
		Categories:             []string(p.Categories),
		Services:               services,
		Rating:                 p.Rating,
		ReviewCount:            p.ReviewCount,
		RecentReviewCount:      p.RecentReviewCount,
		CompletedBookings:      p.CompletedBookings,
		ViewCount:              p.ViewCount,
		ConversionRate:         p.ConversionRate,
		LastAvailabilityUpdate: p.LastAvailabilityUpdate,
		IsVerified:             p.IsVerified,
		IsActive:               p.IsActive,
	}
	if p.Latitude != nil && p.Longitude != nil {
		rp.Location = &ranking.Location{Latitude: *p.Latitude, Longitude: *p.Longitude}
	}
	return rp
}

// normalizeCategories lowercases, sorts and dedupes so equivalent filters
// share one cache entry.
func normalizeCategories(categories []string) []string {
	seen := make(map[string]struct{}, len(categories))
	norm := make([]string, 0, len(categories))
	for _, c := range categories {
		c = strings.ToLower(strings.TrimSpace(c))
		if _, ok := seen[c]; ok || c == "" {
			continue
		}
		seen[c] = struct{}{}
		norm = append(norm, c)
	}
	sort.Strings(norm)
	return norm
}
