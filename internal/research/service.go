// Package research owns the query lifecycle: submission, asynchronous
// completion, reads, statistics, retention cleanup, and backup.
package research

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/sacha-l/ResearchOS/internal/gateway"
	"github.com/sacha-l/ResearchOS/internal/observability"
	"github.com/sacha-l/ResearchOS/internal/ratelimit"
	"github.com/sacha-l/ResearchOS/internal/storage"
	"github.com/sacha-l/ResearchOS/internal/validate"
)

// Completer abstracts the AI gateway for the lifecycle engine.
type Completer interface {
	Complete(ctx context.Context, question string, cfg storage.AIServiceConfig) (*gateway.Result, error)
}

// Stats summarizes the stored queries, computed by full scan.
type Stats struct {
	Total         int `json:"total_queries"`
	Completed     int `json:"completed_queries"`
	Failed        int `json:"failed_queries"`
	DistinctUsers int `json:"active_users"`
}

// Service drives the query state machine. The submission path returns as
// soon as the record reaches the processing state; the outbound AI call
// runs in a detached goroutine and applies its outcome afterwards.
type Service struct {
	store   *storage.Store
	limiter *ratelimit.Limiter
	gateway Completer
	metrics *observability.Metrics // optional
	logger  *slog.Logger

	inflight sync.WaitGroup
}

// NewService wires the lifecycle engine. metrics may be nil.
func NewService(store *storage.Store, limiter *ratelimit.Limiter, gw Completer, metrics *observability.Metrics) *Service {
	return &Service{
		store:   store,
		limiter: limiter,
		gateway: gw,
		metrics: metrics,
		logger:  slog.Default(),
	}
}

// Submit validates and admits a question, persists it, schedules the
// asynchronous completion, and returns the record in the processing state.
// Rejected submissions persist nothing and return the specific error.
func (s *Service) Submit(ctx context.Context, question, userID string) (storage.Query, error) {
	if err := validate.Check(question, userID); err != nil {
		s.countSubmission("rejected_validation")
		return storage.Query{}, err
	}

	cfg, err := s.store.GetServiceConfig()
	if err != nil {
		return storage.Query{}, fmt.Errorf("reading service config: %w", err)
	}

	window := time.Duration(cfg.WindowSeconds) * time.Second
	if err := s.limiter.Allow(userID, cfg.RateLimitPerUser, window); err != nil {
		s.countSubmission("rejected_rate_limit")
		return storage.Query{}, err
	}

	now := time.Now().UTC()
	q := storage.Query{
		ID:          newQueryID(now),
		UserID:      userID,
		Question:    question,
		SubmittedAt: now,
		Status:      storage.StatusPending,
	}

	if err := s.store.PutQuery(q); err != nil {
		return storage.Query{}, fmt.Errorf("persisting query: %w", err)
	}
	if err := s.store.AppendUserQuery(userID, q.ID); err != nil {
		return storage.Query{}, fmt.Errorf("appending user index: %w", err)
	}

	q.Status = storage.StatusProcessing
	if err := s.store.PutQuery(q); err != nil {
		return storage.Query{}, fmt.Errorf("persisting query: %w", err)
	}

	s.countSubmission("accepted")

	// The completion must outlive the submitting request, so it runs on a
	// context detached from cancellation. The gateway enforces its own
	// time budget.
	s.inflight.Add(1)
	go s.complete(context.WithoutCancel(ctx), q.ID, question, cfg.AI)

	return q, nil
}

// newQueryID returns a ULID: a monotonic high-resolution timestamp plus
// entropy, collision-free against every stored id.
func newQueryID(now time.Time) string {
	return ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String()
}

// complete applies the gateway outcome onto the stored record. If the
// record was removed while the call was in flight (retention cleanup), the
// outcome is dropped; a deleted id is never resurrected.
func (s *Service) complete(ctx context.Context, id, question string, cfg storage.AIServiceConfig) {
	defer s.inflight.Done()

	res, callErr := s.gateway.Complete(ctx, question, cfg)

	q, err := s.store.GetQuery(id)
	if errors.Is(err, storage.ErrNotFound) {
		s.logger.Info("query removed before completion, dropping result", "query_id", id)
		return
	}
	if err != nil {
		s.logger.Error("loading query for completion", "query_id", id, "error", err)
		return
	}
	if q.Status.Terminal() {
		// Completed and failed are absorbing.
		return
	}

	if callErr != nil {
		q.Status = storage.StatusFailed
		q.Metadata = "Error: " + callErr.Error()
		s.countCompletion(string(storage.StatusFailed))
		s.logger.Warn("query failed", "query_id", id, "error", callErr)
	} else {
		q.Status = storage.StatusCompleted
		q.Answer = res.Content
		meta, err := json.Marshal(res)
		if err != nil {
			s.logger.Error("encoding result metadata", "query_id", id, "error", err)
		} else {
			q.Metadata = string(meta)
		}
		s.countCompletion(string(storage.StatusCompleted))
		if s.metrics != nil {
			s.metrics.ObserveGatewayLatency(time.Duration(res.LatencyMs) * time.Millisecond)
		}
	}

	if err := s.store.PutQuery(q); err != nil {
		s.logger.Error("persisting completion", "query_id", id, "error", err)
	}
}

// Wait blocks until every in-flight completion has been applied. Used by
// tests and by graceful shutdown.
func (s *Service) Wait() {
	s.inflight.Wait()
}

// Get returns the record for id, or storage.ErrNotFound.
func (s *Service) Get(id string) (storage.Query, error) {
	return s.store.GetQuery(id)
}

// ListByUser returns userID's queries in submission order.
func (s *Service) ListByUser(userID string) ([]storage.Query, error) {
	return s.store.ListByUser(userID)
}

// Stats computes summary counters by scanning every stored record.
func (s *Service) Stats() (Stats, error) {
	var st Stats
	users := make(map[string]struct{})
	err := s.store.ForEachQuery(func(q storage.Query) error {
		st.Total++
		users[q.UserID] = struct{}{}
		switch q.Status {
		case storage.StatusCompleted:
			st.Completed++
		case storage.StatusFailed:
			st.Failed++
		}
		return nil
	})
	if err != nil {
		return Stats{}, err
	}
	st.DistinctUsers = len(users)
	return st, nil
}

// Cleanup removes every record older than maxAge together with its index
// entries and returns the count removed.
func (s *Service) Cleanup(maxAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	n, err := s.store.CleanupOlderThan(cutoff)
	if err != nil {
		return 0, err
	}
	if s.metrics != nil {
		s.metrics.CleanupRemoved.Add(float64(n))
	}
	return n, nil
}

// Export produces a consistent snapshot of the entire store.
func (s *Service) Export() (storage.Snapshot, error) {
	return s.store.ExportAll()
}

// Import destructively replaces the store from snap and resets the rate
// windows. A configuration commit failure is surfaced while the data
// replacement stands; restore is best-effort.
func (s *Service) Import(snap storage.Snapshot) error {
	err := s.store.ImportAll(snap)
	s.limiter.Reset()
	return err
}

// Config returns the current service configuration.
func (s *Service) Config() (storage.ServiceConfig, error) {
	return s.store.GetServiceConfig()
}

// SetAIConfig replaces only the AI-provider sub-configuration, leaving the
// rate limit and allowed origins untouched.
func (s *Service) SetAIConfig(ai storage.AIServiceConfig) error {
	cfg, err := s.store.GetServiceConfig()
	if err != nil {
		return fmt.Errorf("reading service config: %w", err)
	}
	cfg.AI = ai
	if err := s.store.SetServiceConfig(cfg); err != nil {
		return fmt.Errorf("setting service config: %w", err)
	}
	return nil
}

func (s *Service) countSubmission(outcome string) {
	if s.metrics != nil {
		s.metrics.Submissions.WithLabelValues(outcome).Inc()
	}
}

func (s *Service) countCompletion(status string) {
	if s.metrics != nil {
		s.metrics.Completions.WithLabelValues(status).Inc()
	}
}
