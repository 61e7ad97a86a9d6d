// Package admission holds the request gates that run before any handler:
// a declared body-size ceiling and the per-IP upload quota.
package admission

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/petermazzocco/imagehost/internal/clientip"
	"github.com/petermazzocco/imagehost/internal/quota"
)

type detailResponse struct {
	Detail string `json:"detail"`
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(detailResponse{Detail: detail})
}

// TooLargeMessage names the ceiling in whole megabytes.
func TooLargeMessage(maxBytes int64) string {
	return fmt.Sprintf("File too large. Max size is %d MB.", maxBytes/(1024*1024))
}

// declaredLength is the request's Content-Length, or -1 when it is missing or
// not a number.
func declaredLength(r *http.Request) int64 {
	if v := r.Header.Get("Content-Length"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return -1
		}
		return n
	}
	return r.ContentLength
}

// BodySize rejects requests declaring a body larger than maxBytes with 413
// before the body is read. Requests without a usable declared length pass.
func BodySize(maxBytes int64, log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if size := declaredLength(r); size > maxBytes {
				log.Warn("Request body too large",
					zap.String("path", r.URL.Path),
					zap.Int64("content_length", size),
					zap.Int64("max", maxBytes))
				writeDetail(w, http.StatusRequestEntityTooLarge, TooLargeMessage(maxBytes))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// QuotaChecker is implemented by *quota.Evaluator.
type QuotaChecker interface {
	IsOverQuota(ctx context.Context, ip string, p quota.Policy) (bool, error)
}

// Quota refuses POSTs to uploadPath from IPs that have exhausted policy,
// answering 429 with the policy message. Store failures answer 500.
func Quota(checker QuotaChecker, policy quota.Policy, uploadPath string, log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost || r.URL.Path != uploadPath {
				next.ServeHTTP(w, r)
				return
			}

			ip := clientip.Resolve(r)
			over, err := checker.IsOverQuota(r.Context(), ip, policy)
			if err != nil {
				log.Error("Quota check failed", zap.String("ip", ip), zap.Error(err))
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}
			if over {
				log.Info("Upload quota exceeded", zap.String("ip", ip), zap.Stringer("window", policy.Window))
				writeDetail(w, http.StatusTooManyRequests, policy.Message())
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
