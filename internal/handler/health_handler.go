package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

const healthCheckTimeout = 3 * time.Second

// HealthChecker は依存先の疎通を確認する。*sql.DBが実装する。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// BackendHealthChecker は検索バックエンドの疎通を確認する。
// searchbackend.Clientが実装する。
type BackendHealthChecker interface {
	Health(ctx context.Context) error
}

type healthResponse struct {
	Status        string `json:"status"`
	Database      string `json:"database"`
	SearchBackend string `json:"search_backend"`
}

// NewHealthHandler はヘルスチェックのハンドラーを返す。
// データベースに到達できない場合のみ503とする。検索バックエンドの障害は検索が縮退するだけなので
// degradedとして200を返す。
func NewHealthHandler(db HealthChecker, backend BackendHealthChecker, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()

		resp := healthResponse{Status: "ok", Database: "ok", SearchBackend: "ok"}
		status := http.StatusOK

		if err := db.PingContext(ctx); err != nil {
			logger.Error("health_check_database_failed", slog.String("error", err.Error()))
			resp.Database = "unavailable"
			resp.Status = "unavailable"
			status = http.StatusServiceUnavailable
		}
		if backend != nil {
			if err := backend.Health(ctx); err != nil {
				logger.Warn("health_check_search_backend_failed", slog.String("error", err.Error()))
				resp.SearchBackend = "unavailable"
				if status == http.StatusOK {
					resp.Status = "degraded"
				}
			}
		}

		writeJSON(w, status, resp)
	}
}
