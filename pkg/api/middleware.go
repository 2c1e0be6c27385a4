package api

import (
	"sync"
	"time"

	echo "github.com/labstack/echo/v5"
	"golang.org/x/time/rate"

	"github.com/enclagent/gateway/pkg/services"
)

// securityHeaders returns middleware that sets standard security response headers.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			return next(c)
		}
	}
}

// requireFrontdoor refuses mutations while FRONTDOOR_ENABLED=false. Read
// surfaces stay open so operators can inspect sessions during maintenance.
func (s *Server) requireFrontdoor() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			if !s.cfg.FrontdoorEnabled {
				return services.NewFlowError(services.CodeFrontdoorDisabled,
					"the gateway frontdoor is disabled")
			}
			return next(c)
		}
	}
}

// requirePrivyConfig refuses challenge/verify when identity enforcement is
// on but no Privy application is configured: the gateway would demand
// tokens it can never attribute.
func (s *Server) requirePrivyConfig() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			if s.cfg.RequirePrivy && s.cfg.PrivyAppID == "" {
				return services.NewFlowError(services.CodePrivyAppIDMissing,
					"REQUIRE_PRIVY is set but no PRIVY_APP_ID is configured")
			}
			return next(c)
		}
	}
}

// maxTrackedWallets bounds the limiter map; when exceeded the map is reset
// wholesale, which briefly re-admits throttled wallets but keeps memory flat.
const maxTrackedWallets = 10000

// walletLimiter applies a per-wallet token bucket to challenge issuance.
type walletLimiter struct {
	mu        sync.Mutex
	perMinute int
	buckets   map[string]*rate.Limiter
}

func newWalletLimiter(perMinute int) *walletLimiter {
	return &walletLimiter{
		perMinute: perMinute,
		buckets:   make(map[string]*rate.Limiter),
	}
}

// allow reports whether wallet may issue another challenge now. wallet must
// already be normalized so checksum variants share a bucket.
func (l *walletLimiter) allow(wallet string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	bucket, ok := l.buckets[wallet]
	if !ok {
		if len(l.buckets) >= maxTrackedWallets {
			l.buckets = make(map[string]*rate.Limiter)
		}
		bucket = rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.perMinute)), l.perMinute)
		l.buckets[wallet] = bucket
	}
	return bucket.Allow()
}
