package middleware

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestTimeout sets a deadline on each request and answers 504 when the
// handler overruns it. Blocking submits (POST .../submit?wait=true) are
// bounded by the submission pipeline's own phase timeouts instead, and
// WebSocket upgrades live as long as their stream.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if timeout <= 0 || c.IsWebSocket() || waitingSubmit(c) {
				return next(c)
			}

			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			done := make(chan error, 1)
			go func() {
				done <- next(c)
			}()

			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				if ctx.Err() == context.DeadlineExceeded {
					return echo.NewHTTPError(http.StatusGatewayTimeout, "request processing exceeded the allowed time limit")
				}
				return ctx.Err()
			}
		}
	}
}

func waitingSubmit(c echo.Context) bool {
	req := c.Request()
	if req.Method != http.MethodPost || !strings.HasSuffix(req.URL.Path, "/submit") {
		return false
	}
	wait, _ := strconv.ParseBool(req.URL.Query().Get("wait"))
	return wait
}
