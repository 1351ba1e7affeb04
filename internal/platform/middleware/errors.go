package middleware

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/rcm/rcm/internal/platform/apperror"
)

// ErrorHandler renders errors returned by handlers. echo.HTTPErrors keep
// their code and message; domain errors are mapped through apperror so that
// integration and database detail stays in the log.
func ErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		rid, _ := c.Get("request_id").(string)

		var he *echo.HTTPError
		if errors.As(err, &he) {
			msg := he.Message
			if m, ok := msg.(string); ok {
				msg = map[string]string{"kind": "http", "message": m}
			}
			respond(c, he.Code, msg, logger)
			return
		}

		status := apperror.HTTPStatus(err)
		evt := logger.Warn()
		if status >= http.StatusInternalServerError {
			evt = logger.Error()
		}
		var ie *apperror.IntegrationError
		if errors.As(err, &ie) {
			evt = evt.Str("service", ie.Service).
				Str("endpoint", ie.Endpoint).
				Int("remote_status", ie.StatusCode).
				Str("remote_body", ie.Body)
		}
		evt.Err(err).Str("request_id", rid).Int("status", status).Msg("request failed")

		respond(c, status, apperror.PublicBody(err), logger)
	}
}

func respond(c echo.Context, status int, body any, logger zerolog.Logger) {
	var err error
	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = c.JSON(status, body)
	}
	if err != nil {
		logger.Error().Err(err).Msg("write error response")
	}
}
