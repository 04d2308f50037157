package utils

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/srand/buildmaster/pkg/log"
)

// Echo middleware that traces every request.
func HttpLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		log.Tracef("%4s %s %v - elapsed: %v", c.Request().Method, c.Request().URL, c.Response().Status, time.Since(start))
		return err
	}
}
