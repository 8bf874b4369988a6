package api

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"booking-service/config"
	"booking-service/internal/util"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// NewCORSMiddleware allows browser clients on the configured origins to send
// the actor and idempotency headers.
func NewCORSMiddleware(cfg config.CORSConfig) gin.HandlerFunc {
	corsCfg := cors.Config{
		AllowOrigins:     cfg.AllowOrigins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Origin", "Content-Type", headerActorID, headerActorSystem, headerIdempotencyKey},
		ExposeHeaders:    []string{headerReplayed},
		AllowCredentials: cfg.AllowCredentials,
		MaxAge:           12 * time.Hour,
	}
	if len(corsCfg.AllowOrigins) == 0 || (len(corsCfg.AllowOrigins) == 1 && corsCfg.AllowOrigins[0] == "*") {
		corsCfg.AllowOrigins = nil
		corsCfg.AllowAllOrigins = true
		corsCfg.AllowCredentials = false
	}
	util.GetLogger().Info("CORS middleware initialized", zap.Strings("allow_origins", cfg.AllowOrigins))
	return cors.New(corsCfg)
}

// rateLimiterStore holds one token bucket per caller.
type rateLimiterStore struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func (s *rateLimiterStore) getLimiter(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	limiter, exists := s.limiters[key]
	if !exists {
		limiter = rate.NewLimiter(s.limit, s.burst)
		s.limiters[key] = limiter
	}
	return limiter
}

// NewRateLimitMiddleware limits requests per actor, falling back to the client
// IP for anonymous calls such as search.
func NewRateLimitMiddleware(perMinute, burst int) gin.HandlerFunc {
	store := &rateLimiterStore{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Every(time.Minute / time.Duration(perMinute)),
		burst:    burst,
	}
	logger := util.GetLogger()

	return func(c *gin.Context) {
		key := "ip:" + c.ClientIP()
		if id := strings.TrimSpace(c.GetHeader(headerActorID)); id != "" {
			key = "actor:" + id
		}
		if !store.getLimiter(key).Allow() {
			logger.Warn("Rate limit exceeded", zap.String("caller", key), zap.String("path", c.FullPath()))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited", "message": "too many requests, try again later"})
			return
		}
		c.Next()
	}
}
