// internal/middleware/logging.go

// Package middleware holds HTTP middlewares for the simulated backend.
package middleware

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Logging logs the method, path, status, and duration of each request.
// WebSocket upgrades bypass it; their lifecycle is logged separately.
func Logging(logger *logrus.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/ws/customer" {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			logger.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"status":   rec.status,
				"duration": time.Since(start),
				"remote":   r.RemoteAddr,
			}).Info("HTTP Request")
		})
	}
}

// LogCustomerConnect records a device attaching to its table's customer
// namespace.
func LogCustomerConnect(logger *logrus.Logger, guestSessionID, tableID string) {
	logger.WithFields(logrus.Fields{
		"guestSession": guestSessionID,
		"table":        tableID,
	}).Info("customer socket connected")
}

// LogCustomerDisconnect records a device leaving the customer namespace.
func LogCustomerDisconnect(logger *logrus.Logger, guestSessionID, tableID string, err error) {
	fields := logrus.Fields{
		"guestSession": guestSessionID,
		"table":        tableID,
	}
	if err != nil {
		fields["error"] = err
	}
	logger.WithFields(fields).Info("customer socket disconnected")
}
