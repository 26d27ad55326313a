package transport

import (
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	redisstore "github.com/ramiqadoumi/flowbus/internal/redis"
)

// Option configures a Server.
type Option func(*Server)

func WithLogger(l *slog.Logger) Option                 { return func(s *Server) { s.logger = l } }
func WithDataProvider(p DataProvider) Option           { return func(s *Server) { s.data = p } }
func WithSendBuffer(n int) Option                      { return func(s *Server) { s.sendBuf = n } }
func WithWriteWait(d time.Duration) Option             { return func(s *Server) { s.writeWait = d } }
func WithQueryTimeout(d time.Duration) Option          { return func(s *Server) { s.queryWait = d } }
func WithReadLimit(n int64) Option                     { return func(s *Server) { s.readLimit = n } }
func WithQueryLimiter(l redisstore.RateLimiter) Option { return func(s *Server) { s.limiter = l } }

// WithInboundRate caps inbound frames per connection with a token bucket.
func WithInboundRate(perSecond float64, burst int) Option {
	return func(s *Server) {
		s.rate = rate.Limit(perSecond)
		s.burst = burst
	}
}

// WithCheckOrigin overrides the upgrader's origin check.
func WithCheckOrigin(f func(r *http.Request) bool) Option {
	return func(s *Server) { s.upgrader.CheckOrigin = f }
}
