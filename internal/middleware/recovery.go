package middleware

import (
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/kairos-proxy/kairos/internal/errors"
	"github.com/kairos-proxy/kairos/internal/logging"
)

// Recovery converts a panic in a request handler into a 500 response with
// the request's correlation id. Only the panicking request is affected.
func Recovery() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					// Recovery sits outside the request-id middleware, so
					// the id is read back from the echoed response header.
					reqID := w.Header().Get(RequestIDHeader)

					logging.Error("panic recovered",
						zap.Any("error", err),
						zap.String("path", r.URL.Path),
						zap.String("request_id", reqID),
						zap.ByteString("stack", debug.Stack()),
					)

					gatewayErr := errors.ErrInternal
					if reqID != "" {
						gatewayErr = gatewayErr.WithRequestID(reqID)
					}
					gatewayErr.WriteJSON(w)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
