package server

import (
	"crypto/subtle"

	"github.com/labstack/echo/v4"

	"github.com/pulsewire/realtime/internal/platform/correlation"
)

const publishSecretHeader = "X-Publish-Secret"

// correlationMiddleware stamps every request context with a correlation
// ID, honoring one supplied by an upstream proxy.
func correlationMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Request().Header.Get("X-Correlation-Id")
		if id == "" {
			id = correlation.NewID()
		}
		ctx := correlation.WithID(c.Request().Context(), id)
		c.SetRequest(c.Request().WithContext(ctx))
		c.Response().Header().Set("X-Correlation-Id", id)
		return next(c)
	}
}

func (s *Server) requirePublishSecret(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		secret := c.Request().Header.Get(publishSecretHeader)
		if subtle.ConstantTimeCompare([]byte(secret), []byte(s.config.PublishSecret)) != 1 {
			return c.JSON(401, map[string]string{"error": "invalid or missing publish secret"})
		}
		return next(c)
	}
}
