package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/landx-api/internal/canonical"
	"github.com/ksred/landx-api/internal/database"
	"github.com/ksred/landx-api/internal/metrics"
	"github.com/ksred/landx-api/internal/types"
	"github.com/ksred/landx-api/pkg/middleware"
	"github.com/ksred/landx-api/pkg/response"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Service struct {
	store   *database.Store
	ttl     time.Duration
	metrics *metrics.Metrics
}

func NewService(store *database.Store, ttl time.Duration, m *metrics.Metrics) *Service {
	return &Service{
		store:   store,
		ttl:     ttl,
		metrics: m,
	}
}

// Fingerprint hashes the request query and body. JSON bodies are hashed in
// canonical form so key order and whitespace do not matter.
func Fingerprint(rawQuery string, body []byte) (string, error) {
	var doc any
	if len(bytes.TrimSpace(body)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.UseNumber()
		if err := dec.Decode(&doc); err != nil {
			sum := sha256.Sum256(append([]byte(rawQuery+"\n"), body...))
			return hex.EncodeToString(sum[:]), nil
		}
	}
	return canonical.Hash(map[string]any{"query": rawQuery, "body": doc})
}

// Lookup returns the live record for k, or nil. A record stored for a
// different request fingerprint is a conflict.
func (s *Service) Lookup(ctx context.Context, k Key, requestHash string) (*Record, error) {
	var rec Record
	err := s.store.DB.WithContext(ctx).
		Where("workflow = ? AND project_id = ? AND participant_id = ? AND endpoint = ? AND idem_key = ?",
			k.Workflow, k.ProjectID, k.ParticipantID, k.Endpoint, k.Key).
		Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load idempotency record: %w", err)
	}
	if !rec.ExpiresAt.After(time.Now()) {
		if err := s.store.DB.WithContext(ctx).Delete(&rec).Error; err != nil {
			return nil, fmt.Errorf("failed to drop expired idempotency record: %w", err)
		}
		return nil, nil
	}
	if rec.RequestHash != requestHash {
		return nil, types.Conflict("idempotency key reused with a different request")
	}
	return &rec, nil
}

// Save stores the response for k. An existing record is never overwritten.
func (s *Service) Save(ctx context.Context, k Key, requestHash string, status int, body []byte) error {
	rec := &Record{
		Workflow:       k.Workflow,
		ProjectID:      k.ProjectID,
		ParticipantID:  k.ParticipantID,
		Endpoint:       k.Endpoint,
		Key:            k.Key,
		RequestHash:    requestHash,
		ResponseStatus: status,
		ResponseBody:   body,
		ExpiresAt:      time.Now().Add(s.ttl),
	}
	err := s.store.DB.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(rec).Error
	if err != nil {
		return fmt.Errorf("failed to store idempotency record: %w", err)
	}
	return nil
}

// Purge deletes expired records
func (s *Service) Purge(ctx context.Context) (int64, error) {
	res := s.store.DB.WithContext(ctx).Where("expires_at <= ?", time.Now()).Delete(&Record{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to purge idempotency records: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Start purges expired records every interval until ctx is done
func (s *Service) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info().Dur("interval", interval).Msg("Starting idempotency purge loop")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Idempotency purge loop stopped")
			return
		case <-ticker.C:
			n, err := s.Purge(ctx)
			if err != nil {
				log.Error().Err(err).Msg("Failed to purge idempotency records")
				continue
			}
			if n > 0 {
				log.Debug().Int64("purged", n).Msg("Expired idempotency records purged")
			}
		}
	}
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

// Middleware replays the stored response of a write carrying an
// Idempotency-Key the caller already used for the same request. Keys are
// scoped to the resolved request path, so reusing one on another round runs
// the handler again. Requests with the same key are serialized; only 2xx
// responses are stored.
func (s *Service) Middleware(endpoint string) gin.HandlerFunc {
	return func(c *gin.Context) {
		idemKey := c.GetHeader(HeaderKey)
		if idemKey == "" {
			c.Next()
			return
		}

		principal := middleware.GetPrincipal(c)
		scope := middleware.GetProject(c)
		k := Key{
			Workflow:      scope.Workflow,
			ProjectID:     scope.ProjectID,
			ParticipantID: principal.ParticipantID,
			Endpoint:      endpoint + " " + c.Request.Method + ":" + c.Request.URL.Path,
			Key:           idemKey,
		}
		logger := log.With().
			Str("endpoint", endpoint).
			Str("participant_id", k.ParticipantID).
			Str("service", "idempotency").
			Logger()

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			response.BadRequest(c, "failed to read request body")
			c.Abort()
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		hash, err := Fingerprint(c.Request.URL.RawQuery, body)
		if err != nil {
			response.InternalError(c, "failed to fingerprint request")
			c.Abort()
			return
		}

		release, err := s.store.Locker.Acquire(c.Request.Context(), k.lockKey())
		if err != nil {
			response.Handle(c, nil, err)
			c.Abort()
			return
		}
		defer release()

		rec, err := s.Lookup(c.Request.Context(), k, hash)
		if err != nil {
			logger.Warn().Err(err).Msg("Idempotency lookup refused request")
			response.Handle(c, nil, err)
			c.Abort()
			return
		}
		if rec != nil {
			s.metrics.IdempotentReplay(endpoint)
			logger.Debug().Msg("Replaying stored response")
			c.Header("Idempotent-Replay", "true")
			c.Data(rec.ResponseStatus, "application/json; charset=utf-8", rec.ResponseBody)
			c.Abort()
			return
		}

		w := &captureWriter{ResponseWriter: c.Writer}
		c.Writer = w
		c.Next()

		status := w.Status()
		if status < http.StatusOK || status >= http.StatusMultipleChoices {
			return
		}
		if err := s.Save(c.Request.Context(), k, hash, status, w.body.Bytes()); err != nil {
			logger.Error().Err(err).Msg("Failed to store idempotent response")
		}
	}
}
