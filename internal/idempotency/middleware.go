package idempotency

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// ReplayHeader is set on responses served from a stored record.
const ReplayHeader = "Idempotent-Replayed"

type captureWriter struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *captureWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *captureWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// Middleware makes a route idempotent for requests carrying an
// Idempotency-Key header. The first request runs and its response is stored;
// repeats with the same body get the stored response, repeats with a
// different body are rejected. Server errors release the key so the client
// can retry.
func Middleware(store Store, ttl time.Duration, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := strings.TrimSpace(c.GetHeader(Header))
		if key == "" {
			c.Next()
			return
		}
		if len(key) > MaxKeyLength {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_idempotency_key",
				"message": ErrKeyTooLong.Error(),
			})
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Failed to read request body",
			})
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		ctx := c.Request.Context()
		scoped := c.Request.Method + " " + c.FullPath() + " " + key
		hash := HashRequest(body)

		existing, reserved, err := store.Reserve(ctx, scoped, hash, ttl)
		if err != nil {
			logger.Error("idempotency store unavailable", "key", key, "error", err)
			outcomes.WithLabelValues("store_error").Inc()
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error":   "idempotency_unavailable",
				"message": "Idempotency store unavailable, retry later",
			})
			return
		}

		if !reserved {
			switch {
			case existing.RequestHash != hash:
				outcomes.WithLabelValues("mismatch").Inc()
				c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{
					"error":   "idempotency_key_reused",
					"message": "Idempotency-Key was used with a different request body",
				})
			case existing.Status != StatusCompleted:
				outcomes.WithLabelValues("in_progress").Inc()
				c.AbortWithStatusJSON(http.StatusConflict, gin.H{
					"error":   "request_in_progress",
					"message": "A request with this Idempotency-Key is still being processed",
				})
			default:
				outcomes.WithLabelValues("replayed").Inc()
				c.Header(ReplayHeader, "true")
				c.Data(existing.ResponseCode, "application/json; charset=utf-8", existing.ResponseBody)
				c.Abort()
			}
			return
		}

		outcomes.WithLabelValues("first").Inc()
		cw := &captureWriter{ResponseWriter: c.Writer}
		c.Writer = cw
		c.Next()

		// The response is written; a client disconnect must not lose it.
		ctx = context.WithoutCancel(ctx)
		status := cw.Status()
		if status >= http.StatusInternalServerError {
			if err := store.Release(ctx, scoped); err != nil {
				logger.Warn("failed to release idempotency key", "key", key, "error", err)
			}
			return
		}
		if err := store.Complete(ctx, scoped, status, cw.body.Bytes(), ttl); err != nil {
			logger.Warn("failed to store idempotent response", "key", key, "error", err)
		}
	}
}
