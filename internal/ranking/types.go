package ranking

import "time"

// Location is a WGS84 point.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Service is one priced offering considered for price and relevance.
type Service struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	PriceCents  int64  `json:"price_cents"`
}

// Provider is the ranking input for one candidate.
type Provider struct {
	ID                     string     `json:"id"`
	Name                   string     `json:"name"`
	Categories             []string   `json:"categories"`
	Services               []Service  `json:"services"`
	Location               *Location  `json:"location,omitempty"`
	Rating                 float64    `json:"rating"`
	ReviewCount            int        `json:"review_count"`
	RecentReviewCount      int        `json:"recent_review_count"`
	CompletedBookings      int        `json:"completed_bookings"`
	ViewCount              int        `json:"view_count"`
	ConversionRate         *float64   `json:"conversion_rate,omitempty"`
	LastAvailabilityUpdate *time.Time `json:"last_availability_update,omitempty"`
	IsVerified             bool       `json:"is_verified"`
	IsActive               bool       `json:"is_active"`
}

// Query is a search request. Every filter is optional.
type Query struct {
	Text          string    `json:"text"`
	Categories    []string  `json:"categories,omitempty"`
	MinPriceCents *int64    `json:"min_price_cents,omitempty"`
	MaxPriceCents *int64    `json:"max_price_cents,omitempty"`
	MinRating     *float64  `json:"min_rating,omitempty"`
	Location      *Location `json:"location,omitempty"`
	RadiusKm      *float64  `json:"radius_km,omitempty"`
}

// Options control a single Rank call. Now is the reference time for
// freshness and must be set.
type Options struct {
	Now              time.Time
	Debug            bool
	BoostVerified    bool
	PenalizeInactive bool
}

// Factors holds one value per scoring factor.
type Factors struct {
	Proximity  float64 `json:"proximity"`
	Relevance  float64 `json:"relevance"`
	Conversion float64 `json:"conversion"`
	Rating     float64 `json:"rating"`
	Freshness  float64 `json:"freshness"`
}

// TermMatch says which field a query term matched.
type TermMatch struct {
	Term  string `json:"term"`
	Field string `json:"field"`
}

// DebugInfo is only filled when Options.Debug is set.
type DebugInfo struct {
	MatchedTerms    []TermMatch `json:"matched_terms"`
	DistanceKm      *float64    `json:"distance_km,omitempty"`
	DaysSinceUpdate *float64    `json:"days_since_update,omitempty"`
}

// Result is one ranked provider. Raw holds the measurement behind each factor
// (distance and days are -1 when unknown); Normalized holds the [0,1] scores
// the weighted sum uses.
type Result struct {
	ProviderID string     `json:"provider_id"`
	Raw        Factors    `json:"raw"`
	Normalized Factors    `json:"normalized"`
	Boost      float64    `json:"boost"`
	Score      float64    `json:"score"`
	Debug      *DebugInfo `json:"debug,omitempty"`
}
