package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/archon/internal/auth"
)

const claimsKey = "auth.claims"

func (s *Server) requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				} else {
					status = http.StatusInternalServerError
				}
			}
			route := c.Path()
			s.metrics.HTTPRequests.WithLabelValues(
				c.Request().Method, route, strconv.Itoa(status)).Inc()
			s.metrics.HTTPDuration.WithLabelValues(route).Observe(duration.Seconds())

			s.log.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	}
}

// clientIP prefers the first X-Forwarded-For hop, falling back to the
// connection address.
func clientIP(c echo.Context) string {
	if xff := c.Request().Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	return c.RealIP()
}

func (s *Server) rateLimit() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if s.limiter == nil {
				return next(c)
			}
			d := s.limiter.Allow(c.Request().Context(), clientIP(c))
			if !d.Allowed {
				c.Response().Header().Set("Retry-After",
					strconv.Itoa(int(d.RetryAfter.Round(time.Second).Seconds())))
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}

// bearerToken pulls the access token from the Authorization header or,
// for websocket clients that cannot set headers, the token query
// parameter.
func bearerToken(c echo.Context) string {
	h := c.Request().Header.Get(echo.HeaderAuthorization)
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return c.QueryParam("token")
}

func (s *Server) authenticate() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if s.config.DisableAuth {
				c.Set(claimsKey, &auth.Claims{Username: "dev", Role: auth.RoleAdmin})
				return next(c)
			}
			if s.auth == nil {
				return echo.NewHTTPError(http.StatusServiceUnavailable, "authentication unavailable")
			}
			token := bearerToken(c)
			if token == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing access token")
			}
			claims, err := s.auth.VerifyAccess(token)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid access token")
			}
			c.Set(claimsKey, claims)
			return next(c)
		}
	}
}

func (s *Server) requireRole(role string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			claims := s.claims(c)
			if claims == nil || !auth.RoleAtLeast(claims.Role, role) {
				return echo.NewHTTPError(http.StatusForbidden,
					fmt.Sprintf("requires %s role", role))
			}
			return next(c)
		}
	}
}

func (s *Server) claims(c echo.Context) *auth.Claims {
	claims, _ := c.Get(claimsKey).(*auth.Claims)
	return claims
}

// optionalClaims verifies a token when one is present but does not
// require it. Used by registration bootstrap.
func (s *Server) optionalClaims(c echo.Context) *auth.Claims {
	if s.config.DisableAuth {
		return &auth.Claims{Username: "dev", Role: auth.RoleAdmin}
	}
	if s.auth == nil {
		return nil
	}
	token := bearerToken(c)
	if token == "" {
		return nil
	}
	claims, err := s.auth.VerifyAccess(token)
	if err != nil {
		return nil
	}
	return claims
}
