// Package ranking orders provider candidates for a search query with a fixed
// weighted multi-factor model. It performs no I/O and keeps no state, so Rank
// is safe for concurrent use.
package ranking

import (
	"math"
	"sort"
	"strings"
	"time"
	"unicode"

	"booking-service/internal/errs"
)

// Factor weights. They sum to 1 so the unboosted score stays in [0,1].
const (
	WeightProximity  = 0.30
	WeightRelevance  = 0.30
	WeightRating     = 0.20
	WeightConversion = 0.10
	WeightFreshness  = 0.10
)

const (
	// proximity halves at this distance
	proximityScaleKm = 10.0
	// score for a provider with no location when the query has one
	neutralProximity = 0.3

	nameWeight        = 1.0
	categoryWeight    = 0.7
	serviceNameWeight = 0.5
	descriptionWeight = 0.25
	maxTermWeight     = nameWeight + categoryWeight + serviceNameWeight + descriptionWeight

	ratingScale        = 5.0
	ratingMidpoint     = 2.5
	ratingConfidenceN  = 10.0
	recentReviewBoost  = 0.1
	recentReviewTarget = 10

	stalenessHorizonDays = 30.0

	VerifiedBoost = 0.1

	earthRadiusKm = 6371.0
)

// Match fields reported in debug output.
const (
	FieldName               = "name"
	FieldCategory           = "category"
	FieldServiceName        = "service_name"
	FieldServiceDescription = "service_description"
)

// Rank filters, scores and orders providers. Results are ordered by Score
// descending; ties keep input order.
func Rank(providers []Provider, query Query, opts Options) ([]Result, error) {
	if opts.Now.IsZero() {
		return nil, errs.Validation("ranking requires a reference time")
	}
	if err := ValidateQuery(query); err != nil {
		return nil, err
	}

	terms := tokenize(query.Text)
	results := make([]Result, 0, len(providers))
	for i := range providers {
		p := &providers[i]
		if !passesFilters(p, query) {
			continue
		}
		results = append(results, score(p, query, terms, opts))
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	return results, nil
}

// ValidateQuery rejects filters that can never match anything sensible.
func ValidateQuery(q Query) error {
	if q.RadiusKm != nil && (*q.RadiusKm < 0 || math.IsNaN(*q.RadiusKm)) {
		return errs.Validation("radius must not be negative")
	}
	if q.MinPriceCents != nil && *q.MinPriceCents < 0 {
		return errs.Validation("minimum price must not be negative")
	}
	if q.MaxPriceCents != nil && *q.MaxPriceCents < 0 {
		return errs.Validation("maximum price must not be negative")
	}
	if q.MinPriceCents != nil && q.MaxPriceCents != nil && *q.MinPriceCents > *q.MaxPriceCents {
		return errs.Validation("minimum price is above maximum price")
	}
	if q.MinRating != nil && (*q.MinRating < 0 || *q.MinRating > ratingScale || math.IsNaN(*q.MinRating)) {
		return errs.Validation("minimum rating must be between 0 and 5")
	}
	if q.Location != nil {
		if q.Location.Latitude < -90 || q.Location.Latitude > 90 ||
			q.Location.Longitude < -180 || q.Location.Longitude > 180 {
			return errs.Validation("location is out of range")
		}
	}
	return nil
}

func passesFilters(p *Provider, q Query) bool {
	if !p.IsActive {
		return false
	}
	if len(q.Categories) > 0 && !hasAnyCategory(p.Categories, q.Categories) {
		return false
	}
	if (q.MinPriceCents != nil || q.MaxPriceCents != nil) && !hasServiceInRange(p.Services, q.MinPriceCents, q.MaxPriceCents) {
		return false
	}
	if q.MinRating != nil && p.Rating < *q.MinRating {
		return false
	}
	// Providers without a location have unknown distance and are kept.
	if q.Location != nil && q.RadiusKm != nil && p.Location != nil {
		if Haversine(*q.Location, *p.Location) > *q.RadiusKm {
			return false
		}
	}
	return true
}

func hasAnyCategory(have, want []string) bool {
	for _, w := range want {
		for _, h := range have {
			if strings.EqualFold(strings.TrimSpace(h), strings.TrimSpace(w)) {
				return true
			}
		}
	}
	return false
}

func hasServiceInRange(services []Service, lo, hi *int64) bool {
	for _, s := range services {
		if lo != nil && s.PriceCents < *lo {
			continue
		}
		if hi != nil && s.PriceCents > *hi {
			continue
		}
		return true
	}
	return false
}

func score(p *Provider, q Query, terms []string, opts Options) Result {
	var raw, norm Factors

	distance, hasDistance := distanceKm(p, q)
	raw.Proximity, norm.Proximity = proximityScore(p, q, distance)

	relevanceRaw, matches := relevance(p, terms)
	raw.Relevance = relevanceRaw
	if len(terms) > 0 {
		norm.Relevance = clamp01(relevanceRaw / (float64(len(terms)) * maxTermWeight))
	}

	raw.Conversion = conversionRate(p)
	norm.Conversion = clamp01(raw.Conversion)

	raw.Rating = p.Rating
	norm.Rating = ratingScore(p)

	days, hasDays := daysSinceUpdate(p, opts.Now)
	raw.Freshness = -1
	if hasDays {
		raw.Freshness = days
		norm.Freshness = freshnessScore(days)
	}

	total := WeightProximity*norm.Proximity +
		WeightRelevance*norm.Relevance +
		WeightRating*norm.Rating +
		WeightConversion*norm.Conversion +
		WeightFreshness*norm.Freshness

	var boost float64
	if opts.BoostVerified && p.IsVerified {
		boost += VerifiedBoost
	}
	// opts.PenalizeInactive is accepted but never changes a score: inactive
	// providers are filtered out before scoring.

	r := Result{
		ProviderID: p.ID,
		Raw:        raw,
		Normalized: norm,
		Boost:      boost,
		Score:      total + boost,
	}
	if opts.Debug {
		d := &DebugInfo{MatchedTerms: matches}
		if hasDistance {
			v := distance
			d.DistanceKm = &v
		}
		if hasDays {
			v := days
			d.DaysSinceUpdate = &v
		}
		r.Debug = d
	}
	return r
}

func distanceKm(p *Provider, q Query) (float64, bool) {
	if q.Location == nil || p.Location == nil {
		return 0, false
	}
	return Haversine(*q.Location, *p.Location), true
}

func proximityScore(p *Provider, q Query, distance float64) (raw, norm float64) {
	switch {
	case q.Location == nil:
		return -1, 0
	case p.Location == nil:
		return -1, neutralProximity
	}
	return distance, clamp01(1 / (1 + distance/proximityScaleKm))
}

// relevance sums, per query term, the weights of every field the term occurs in.
func relevance(p *Provider, terms []string) (float64, []TermMatch) {
	if len(terms) == 0 {
		return 0, nil
	}

	name := tokenSet(p.Name)
	categories := map[string]struct{}{}
	for _, c := range p.Categories {
		for t := range tokenSet(c) {
			categories[t] = struct{}{}
		}
	}
	serviceNames := map[string]struct{}{}
	descriptions := map[string]struct{}{}
	for _, s := range p.Services {
		for t := range tokenSet(s.Name) {
			serviceNames[t] = struct{}{}
		}
		for t := range tokenSet(s.Description) {
			descriptions[t] = struct{}{}
		}
	}

	fields := []struct {
		name   string
		tokens map[string]struct{}
		weight float64
	}{
		{FieldName, name, nameWeight},
		{FieldCategory, categories, categoryWeight},
		{FieldServiceName, serviceNames, serviceNameWeight},
		{FieldServiceDescription, descriptions, descriptionWeight},
	}

	var total float64
	matches := make([]TermMatch, 0)
	for _, term := range terms {
		for _, f := range fields {
			if _, ok := f.tokens[term]; ok {
				total += f.weight
				matches = append(matches, TermMatch{Term: term, Field: f.name})
			}
		}
	}
	return total, matches
}

func conversionRate(p *Provider) float64 {
	if p.ConversionRate != nil && !math.IsNaN(*p.ConversionRate) {
		return *p.ConversionRate
	}
	if p.ViewCount <= 0 {
		return 0
	}
	return float64(p.CompletedBookings) / float64(p.ViewCount)
}

// ratingScore shrinks the average toward the midpoint when there are few
// reviews, then adds a boost for recent reviews.
func ratingScore(p *Provider) float64 {
	n := math.Max(0, float64(p.ReviewCount))
	confidence := n / (n + ratingConfidenceN)
	rating := math.Min(math.Max(p.Rating, 0), ratingScale)
	adjusted := confidence*rating + (1-confidence)*ratingMidpoint

	recent := math.Min(math.Max(float64(p.RecentReviewCount), 0), recentReviewTarget)
	boost := recentReviewBoost * recent / recentReviewTarget

	return clamp01(adjusted/ratingScale + boost)
}

func daysSinceUpdate(p *Provider, now time.Time) (float64, bool) {
	if p.LastAvailabilityUpdate == nil || p.LastAvailabilityUpdate.IsZero() {
		return 0, false
	}
	days := now.Sub(*p.LastAvailabilityUpdate).Hours() / 24
	if days < 0 {
		days = 0
	}
	return days, true
}

func freshnessScore(days float64) float64 {
	if days >= stalenessHorizonDays {
		return 0
	}
	return clamp01(1 - days/stalenessHorizonDays)
}

// Haversine returns the great-circle distance in kilometers.
func Haversine(a, b Location) float64 {
	dLat := (b.Latitude - a.Latitude) * (math.Pi / 180)
	dLon := (b.Longitude - a.Longitude) * (math.Pi / 180)
	lat1 := a.Latitude * (math.Pi / 180)
	lat2 := b.Latitude * (math.Pi / 180)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusKm * c
}

// tokenize lower-cases text and returns its distinct words in first-seen order.
func tokenize(text string) []string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]struct{}, len(words))
	out := make([]string, 0, len(words))
	for _, w := range words {
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	return out
}

func tokenSet(text string) map[string]struct{} {
	words := tokenize(text)
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
