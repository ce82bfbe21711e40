package server

import (
	"net/http"

	"github.com/rs/xid"
	"go.uber.org/zap"

	"chat-relay/internal/storage/zapadapter"
)

// log assigns each incoming connection an id, places it in the request
// context for query-log correlation and records the connection attempt
func log(next http.Handler, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := xid.New().String()

		ctx := zapadapter.NewContextWithID(r.Context(), id)
		rwID := r.WithContext(ctx)

		logger.Info("incoming connection",
			zap.String("id", id),
			zap.String("uri", r.URL.RequestURI()),
			zap.String("ip", r.RemoteAddr),
		)

		next.ServeHTTP(w, rwID)
	})
}
