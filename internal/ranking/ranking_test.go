package ranking

import (
	"testing"
	"time"

	"booking-service/internal/errs"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	refNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	nyc    = Location{Latitude: 40.7128, Longitude: -74.0060}
)

func ptr[T any](v T) *T { return &v }

func daysAgo(d float64) *time.Time {
	t := refNow.Add(-time.Duration(d * 24 * float64(time.Hour)))
	return &t
}

func fixtureProviders() []Provider {
	return []Provider{
		{
			ID: "p1", Name: "Sparkle Home Cleaning", Categories: []string{"cleaning"},
			Services: []Service{{Name: "Deep clean", Description: "Whole house deep cleaning", PriceCents: 12000}},
			Location: &Location{Latitude: 40.7200, Longitude: -74.0000},
			Rating: 4.8, ReviewCount: 120, RecentReviewCount: 12,
			CompletedBookings: 80, ViewCount: 400,
			LastAvailabilityUpdate: daysAgo(1), IsVerified: true, IsActive: true,
		},
		{
			ID: "p2", Name: "Bob's Plumbing", Categories: []string{"plumbing"},
			Services: []Service{{Name: "Leak repair", Description: "Fix leaking pipes", PriceCents: 9000}},
			Location: &Location{Latitude: 40.7500, Longitude: -73.9900},
			Rating: 4.2, ReviewCount: 30, RecentReviewCount: 2,
			CompletedBookings: 20, ViewCount: 200,
			LastAvailabilityUpdate: daysAgo(10), IsActive: true,
		},
		{
			ID: "p3", Name: "Closed Cleaners", Categories: []string{"cleaning"},
			Services: []Service{{Name: "Basic clean", PriceCents: 5000}},
			Location: &nyc, Rating: 5, ReviewCount: 500,
			LastAvailabilityUpdate: daysAgo(0), IsVerified: true, IsActive: false,
		},
		{
			ID: "p4", Name: "Mobile Cleaning Crew", Categories: []string{"cleaning", "moving"},
			Services: []Service{{Name: "Move-out clean", Description: "Cleaning after moving", PriceCents: 15000}},
			Rating: 3.9, ReviewCount: 4,
			ConversionRate: ptr(0.35),
			LastAvailabilityUpdate: daysAgo(45), IsActive: true,
		},
		{
			ID: "p5", Name: "Garden Pros", Categories: []string{"gardening"},
			Services: []Service{{Name: "Lawn mowing", PriceCents: 4000}},
			Location: &Location{Latitude: 41.2000, Longitude: -74.5000},
			Rating: 4.5, ReviewCount: 60, IsActive: true,
		},
	}
}

func resultIDs(rs []Result) []string {
	ids := make([]string, len(rs))
	for i, r := range rs {
		ids[i] = r.ProviderID
	}
	return ids
}

func findResult(t *testing.T, rs []Result, id string) Result {
	t.Helper()
	for _, r := range rs {
		if r.ProviderID == id {
			return r
		}
	}
	t.Fatalf("provider %s not in results", id)
	return Result{}
}

func TestRank_ExcludesInactive(t *testing.T) {
	queries := []Query{
		{},
		{Text: "cleaning"},
		{Location: &nyc},
		{Categories: []string{"cleaning"}},
	}
	for _, q := range queries {
		got, err := Rank(fixtureProviders(), q, Options{Now: refNow})
		require.NoError(t, err)
		assert.NotContains(t, resultIDs(got), "p3")
	}

	got, err := Rank(fixtureProviders(), Query{}, Options{Now: refNow})
	require.NoError(t, err)
	assert.Len(t, got, 4)
}

func TestRank_ProximityPrefersCloser(t *testing.T) {
	// ~1km and ~50km due north of the query point
	near := Provider{ID: "near", Name: "Near", Location: &Location{Latitude: nyc.Latitude + 0.009, Longitude: nyc.Longitude}, IsActive: true}
	far := Provider{ID: "far", Name: "Far", Location: &Location{Latitude: nyc.Latitude + 0.4497, Longitude: nyc.Longitude}, IsActive: true}

	got, err := Rank([]Provider{far, near}, Query{Location: &nyc}, Options{Now: refNow, Debug: true})
	require.NoError(t, err)
	require.Len(t, got, 2)

	n, f := findResult(t, got, "near"), findResult(t, got, "far")
	assert.Greater(t, n.Normalized.Proximity, f.Normalized.Proximity)
	assert.InDelta(t, 1.0, *n.Debug.DistanceKm, 0.05)
	assert.InDelta(t, 50.0, *f.Debug.DistanceKm, 0.5)
	assert.Equal(t, "near", got[0].ProviderID)
}

func TestRank_NoLocationIsNeutral(t *testing.T) {
	located := Provider{ID: "located", Location: &Location{Latitude: nyc.Latitude, Longitude: nyc.Longitude}, IsActive: true}
	unknown := Provider{ID: "unknown", IsActive: true}

	got, err := Rank([]Provider{located, unknown}, Query{Location: &nyc, RadiusKm: ptr(5.0)}, Options{Now: refNow})
	require.NoError(t, err)
	require.Len(t, got, 2, "a radius filter never drops providers without a location")

	u := findResult(t, got, "unknown")
	l := findResult(t, got, "located")
	assert.Greater(t, u.Normalized.Proximity, 0.0)
	assert.Less(t, u.Normalized.Proximity, l.Normalized.Proximity)
	assert.Less(t, u.Normalized.Proximity, 1.0)
}

func TestRank_NoQueryLocationScoresZeroProximity(t *testing.T) {
	got, err := Rank(fixtureProviders(), Query{}, Options{Now: refNow})
	require.NoError(t, err)
	for _, r := range got {
		assert.Equal(t, 0.0, r.Normalized.Proximity, r.ProviderID)
	}
}

func TestRank_DeterministicAndStableTies(t *testing.T) {
	twins := []Provider{
		{ID: "a", Name: "Same", IsActive: true},
		{ID: "b", Name: "Same", IsActive: true},
		{ID: "c", Name: "Same", IsActive: true},
	}
	q := Query{Text: "same"}

	first, err := Rank(twins, q, Options{Now: refNow})
	require.NoError(t, err)
	second, err := Rank(twins, q, Options{Now: refNow})
	require.NoError(t, err)

	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("rank not deterministic (-first +second):\n%s", diff)
	}
	assert.Equal(t, []string{"a", "b", "c"}, resultIDs(first))

	full1, err := Rank(fixtureProviders(), Query{Text: "cleaning", Location: &nyc}, Options{Now: refNow, Debug: true})
	require.NoError(t, err)
	full2, err := Rank(fixtureProviders(), Query{Text: "cleaning", Location: &nyc}, Options{Now: refNow, Debug: true})
	require.NoError(t, err)
	if diff := cmp.Diff(full1, full2); diff != "" {
		t.Errorf("rank not deterministic (-first +second):\n%s", diff)
	}
}

func TestRank_DebugDoesNotChangeScores(t *testing.T) {
	q := Query{Text: "deep cleaning", Location: &nyc}
	plain, err := Rank(fixtureProviders(), q, Options{Now: refNow})
	require.NoError(t, err)
	debug, err := Rank(fixtureProviders(), q, Options{Now: refNow, Debug: true})
	require.NoError(t, err)

	require.Equal(t, resultIDs(plain), resultIDs(debug))
	for i := range plain {
		assert.Nil(t, plain[i].Debug)
		require.NotNil(t, debug[i].Debug)
		assert.Equal(t, plain[i].Score, debug[i].Score)
		assert.Equal(t, plain[i].Normalized, debug[i].Normalized)
	}

	p1 := findResult(t, debug, "p1")
	assert.Contains(t, p1.Debug.MatchedTerms, TermMatch{Term: "cleaning", Field: FieldName})
	assert.Contains(t, p1.Debug.MatchedTerms, TermMatch{Term: "cleaning", Field: FieldCategory})
	assert.Contains(t, p1.Debug.MatchedTerms, TermMatch{Term: "deep", Field: FieldServiceName})
	require.NotNil(t, p1.Debug.DaysSinceUpdate)
	assert.InDelta(t, 1.0, *p1.Debug.DaysSinceUpdate, 1e-9)

	p4 := findResult(t, debug, "p4")
	assert.Nil(t, p4.Debug.DistanceKm)
}

func TestRank_RelevanceFieldWeights(t *testing.T) {
	providers := []Provider{
		{ID: "desc", Name: "Alpha", Services: []Service{{Name: "Other", Description: "yoga"}}, IsActive: true},
		{ID: "svc", Name: "Beta", Services: []Service{{Name: "Yoga"}}, IsActive: true},
		{ID: "cat", Name: "Gamma", Categories: []string{"yoga"}, IsActive: true},
		{ID: "name", Name: "Yoga Studio", IsActive: true},
		{ID: "none", Name: "Delta", IsActive: true},
	}
	got, err := Rank(providers, Query{Text: "YOGA"}, Options{Now: refNow})
	require.NoError(t, err)
	assert.Equal(t, []string{"name", "cat", "svc", "desc", "none"}, resultIDs(got))

	assert.InDelta(t, 1.0/2.45, findResult(t, got, "name").Normalized.Relevance, 1e-9)
	assert.Equal(t, 0.0, findResult(t, got, "none").Normalized.Relevance)

	noText, err := Rank(providers, Query{}, Options{Now: refNow})
	require.NoError(t, err)
	for _, r := range noText {
		assert.Equal(t, 0.0, r.Normalized.Relevance)
	}
}

func TestRank_ConversionRate(t *testing.T) {
	providers := []Provider{
		{ID: "derived", CompletedBookings: 10, ViewCount: 40, IsActive: true},
		{ID: "precomputed", CompletedBookings: 10, ViewCount: 40, ConversionRate: ptr(0.5), IsActive: true},
		{ID: "noviews", CompletedBookings: 3, ViewCount: 0, IsActive: true},
	}
	got, err := Rank(providers, Query{}, Options{Now: refNow})
	require.NoError(t, err)

	assert.InDelta(t, 0.25, findResult(t, got, "derived").Normalized.Conversion, 1e-9)
	assert.InDelta(t, 0.5, findResult(t, got, "precomputed").Normalized.Conversion, 1e-9)
	assert.Equal(t, 0.0, findResult(t, got, "noviews").Normalized.Conversion)
}

func TestRank_RatingConfidence(t *testing.T) {
	providers := []Provider{
		{ID: "few", Rating: 5, ReviewCount: 1, IsActive: true},
		{ID: "many", Rating: 4.6, ReviewCount: 300, IsActive: true},
		{ID: "none", Rating: 0, ReviewCount: 0, IsActive: true},
	}
	got, err := Rank(providers, Query{}, Options{Now: refNow})
	require.NoError(t, err)

	few := findResult(t, got, "few").Normalized.Rating
	many := findResult(t, got, "many").Normalized.Rating
	none := findResult(t, got, "none").Normalized.Rating
	assert.Greater(t, many, few)
	assert.InDelta(t, 0.5, none, 1e-9)

	recent := []Provider{
		{ID: "base", Rating: 4, ReviewCount: 10, IsActive: true},
		{ID: "some", Rating: 4, ReviewCount: 10, RecentReviewCount: 5, IsActive: true},
		{ID: "saturated", Rating: 4, ReviewCount: 10, RecentReviewCount: 50, IsActive: true},
	}
	got, err = Rank(recent, Query{}, Options{Now: refNow})
	require.NoError(t, err)
	assert.InDelta(t, 0.65, findResult(t, got, "base").Normalized.Rating, 1e-9)
	assert.InDelta(t, 0.70, findResult(t, got, "some").Normalized.Rating, 1e-9)
	assert.InDelta(t, 0.75, findResult(t, got, "saturated").Normalized.Rating, 1e-9)
}

func TestRank_FreshnessDecaysToZero(t *testing.T) {
	providers := []Provider{
		{ID: "today", LastAvailabilityUpdate: daysAgo(0), IsActive: true},
		{ID: "half", LastAvailabilityUpdate: daysAgo(15), IsActive: true},
		{ID: "stale", LastAvailabilityUpdate: daysAgo(30), IsActive: true},
		{ID: "ancient", LastAvailabilityUpdate: daysAgo(400), IsActive: true},
		{ID: "never", IsActive: true},
	}
	got, err := Rank(providers, Query{}, Options{Now: refNow})
	require.NoError(t, err)

	assert.InDelta(t, 1.0, findResult(t, got, "today").Normalized.Freshness, 1e-9)
	assert.InDelta(t, 0.5, findResult(t, got, "half").Normalized.Freshness, 1e-9)
	assert.Equal(t, 0.0, findResult(t, got, "stale").Normalized.Freshness)
	assert.Equal(t, 0.0, findResult(t, got, "ancient").Normalized.Freshness)
	assert.Equal(t, 0.0, findResult(t, got, "never").Normalized.Freshness)
}

func TestRank_Boosts(t *testing.T) {
	providers := []Provider{
		{ID: "plain", Name: "Plain", IsActive: true},
		{ID: "verified", Name: "Plain", IsVerified: true, IsActive: true},
	}

	got, err := Rank(providers, Query{}, Options{Now: refNow})
	require.NoError(t, err)
	assert.Equal(t, []string{"plain", "verified"}, resultIDs(got))

	got, err = Rank(providers, Query{}, Options{Now: refNow, BoostVerified: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"verified", "plain"}, resultIDs(got))
	assert.InDelta(t, VerifiedBoost, got[0].Score-got[1].Score, 1e-9)

	without, err := Rank(fixtureProviders(), Query{Text: "cleaning"}, Options{Now: refNow})
	require.NoError(t, err)
	with, err := Rank(fixtureProviders(), Query{Text: "cleaning"}, Options{Now: refNow, PenalizeInactive: true})
	require.NoError(t, err)
	if diff := cmp.Diff(without, with); diff != "" {
		t.Errorf("PenalizeInactive changed the ranking (-without +with):\n%s", diff)
	}
}

func TestRank_Filters(t *testing.T) {
	tests := []struct {
		name  string
		query Query
		want  []string
	}{
		{"category", Query{Categories: []string{"Cleaning"}}, []string{"p1", "p4"}},
		{"price range", Query{MinPriceCents: ptr(int64(8000)), MaxPriceCents: ptr(int64(10000))}, []string{"p2"}},
		{"min rating", Query{MinRating: ptr(4.4)}, []string{"p1", "p5"}},
		{"radius keeps unknown location", Query{Location: &nyc, RadiusKm: ptr(10.0)}, []string{"p1", "p2", "p4"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Rank(fixtureProviders(), tt.query, Options{Now: refNow})
			require.NoError(t, err)
			assert.ElementsMatch(t, tt.want, resultIDs(got))
		})
	}
}

func TestRank_Validation(t *testing.T) {
	_, err := Rank(fixtureProviders(), Query{}, Options{})
	assert.ErrorIs(t, err, errs.ErrValidation)

	bad := []Query{
		{RadiusKm: ptr(-1.0)},
		{MinPriceCents: ptr(int64(500)), MaxPriceCents: ptr(int64(100))},
		{MinRating: ptr(5.5)},
		{Location: &Location{Latitude: 91}},
	}
	for _, q := range bad {
		_, err := Rank(fixtureProviders(), q, Options{Now: refNow})
		assert.ErrorIs(t, err, errs.ErrValidation)
	}
}

func TestRank_EmptyInput(t *testing.T) {
	got, err := Rank(nil, Query{Text: "anything"}, Options{Now: refNow})
	require.NoError(t, err)
	assert.Empty(t, got)
}
