package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	appctx "github.com/Ramsey-B/thistle/pkg/context"
	"github.com/Ramsey-B/thistle/pkg/errors"
	"github.com/Ramsey-B/thistle/pkg/tracing"
)

const (
	HeaderCorrelationID = "X-Correlation-Id"
	HeaderActor         = "X-Actor"
)

// RequestContext copies request, correlation and actor ids into the request context
func RequestContext() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()

			requestID := req.Header.Get(echo.HeaderXRequestID)
			if requestID == "" {
				requestID = uuid.NewString()
			}
			c.Response().Header().Set(echo.HeaderXRequestID, requestID)

			correlationID := req.Header.Get(HeaderCorrelationID)
			if correlationID == "" {
				correlationID = requestID
			}

			ctx := appctx.SetRequestID(req.Context(), requestID)
			ctx = appctx.SetCorrelationID(ctx, correlationID)
			if actor := req.Header.Get(HeaderActor); actor != "" {
				ctx = appctx.SetActor(ctx, actor)
			}

			c.SetRequest(req.WithContext(ctx))
			return next(c)
		}
	}
}

func RequestLogger(logger ectologger.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			start := time.Now()
			if err = next(c); err != nil {
				c.Error(err)
			}

			req := c.Request()
			res := c.Response()
			logger.WithContext(req.Context()).WithFields(map[string]any{
				"request_id": appctx.GetRequestID(req.Context()),
				"method":     req.Method,
				"uri":        req.RequestURI,
				"status":     res.Status,
				"latency_ms": strconv.FormatInt(time.Since(start).Milliseconds(), 10),
			}).Debug("request handled")
			return nil
		}
	}
}

// ErrorResponse is the JSON body of every error reply
type ErrorResponse struct {
	Message   string         `json:"message"`
	RequestID string         `json:"request_id"`
	TraceID   string         `json:"trace_id"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// ErrorHandler renders engine errors with their mapped status and user message
func ErrorHandler(logger ectologger.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		ctx := c.Request().Context()
		if c.Response().Committed {
			return
		}

		code := http.StatusInternalServerError
		message := errors.MessageUnavailable
		var meta map[string]any

		switch he, ok := err.(*echo.HTTPError); {
		case ok:
			code = he.Code
			if msg, ok := he.Message.(string); ok {
				message = msg
			}
		case errors.IsEngineError(err) || httperror.IsHTTPError(err):
			httpErr := errors.ToHTTPError(err)
			code = httperror.GetStatusCode(httpErr)
			message = errors.UserMessage(err)
			meta = httpErr.Meta
		}

		if code >= http.StatusInternalServerError {
			logger.WithContext(ctx).WithError(err).Error("api is returning an error")
		}

		_ = c.JSON(code, ErrorResponse{
			Message:   message,
			RequestID: appctx.GetRequestID(ctx),
			TraceID:   tracing.GetTraceID(ctx),
			Meta:      meta,
		})
	}
}
