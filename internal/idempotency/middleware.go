package idempotency

import (
	"bytes"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/renecastillotv/clic-ledger/internal/logging"
)

// ReplaysTotal counts responses served from the idempotency store.
var ReplaysTotal = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "clic",
	Name:      "idempotency_replays_total",
	Help:      "Responses replayed for a repeated Idempotency-Key.",
})

func init() {
	prometheus.MustRegister(ReplaysTotal)
}

const maxKeyLen = 255

// Options tunes the middleware.
type Options struct {
	// TTL is how long a completed response is replayed.
	TTL time.Duration
	// LockTTL bounds how long an unfinished request holds its key.
	LockTTL time.Duration
}

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

// Middleware dedups requests carrying an Idempotency-Key header. Keys are
// scoped by tenant and route. Responses below 500 are stored; server errors
// release the key so the client can retry. Store outages fail open.
func Middleware(store Store, opts Options) gin.HandlerFunc {
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 30 * time.Second
	}

	return func(c *gin.Context) {
		key := c.GetHeader(HeaderKey)
		if key == "" || c.Request.Method == http.MethodGet {
			c.Next()
			return
		}
		if len(key) > maxKeyLen {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_idempotency_key",
				"message": "Idempotency-Key must be at most 255 characters",
			})
			return
		}

		ctx := c.Request.Context()
		scoped := c.Param("id") + ":" + c.Request.Method + ":" + c.FullPath() + ":" + key

		rec, err := store.Claim(ctx, scoped, opts.LockTTL)
		switch {
		case errors.Is(err, ErrInFlight):
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{
				"error":   "request_in_progress",
				"message": "a request with this Idempotency-Key is still being processed",
			})
			return
		case err != nil:
			logging.L(ctx).Warn("idempotency store unavailable", "error", err)
			c.Next()
			return
		case rec != nil:
			ReplaysTotal.Inc()
			c.Header(HeaderReplayed, "true")
			c.Data(rec.Status, rec.ContentType, rec.Body)
			c.Abort()
			return
		}

		w := &captureWriter{ResponseWriter: c.Writer}
		c.Writer = w
		c.Next()

		status := w.Status()
		if status >= http.StatusInternalServerError {
			if err := store.Release(ctx, scoped); err != nil {
				logging.L(ctx).Warn("idempotency release failed", "error", err)
			}
			return
		}
		if err := store.Complete(ctx, scoped, Record{
			Status:      status,
			ContentType: w.Header().Get("Content-Type"),
			Body:        w.body.Bytes(),
			CreatedAt:   time.Now().UTC(),
		}, opts.TTL); err != nil {
			logging.L(ctx).Warn("idempotency complete failed", "error", err)
		}
	}
}
