// Package syncer mirrors live runtime state into the store and reports
// heartbeats to an optional central endpoint. Both are best-effort: failures
// are logged and retried on the next cadence, never escalated.
package syncer

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"strategy-orchestrator/internal/connector"
	"strategy-orchestrator/internal/monitor"
	"strategy-orchestrator/internal/registry"
	"strategy-orchestrator/pkg/db"
	"strategy-orchestrator/pkg/exchange"
)

const appID = "strategy-orchestrator"

// Syncer owns the durability mirror and the heartbeat reporter.
type Syncer struct {
	store   *db.Store
	reg     *registry.Registry
	conn    *connector.Manager
	metrics *monitor.Metrics
	log     *zap.Logger

	syncInterval      time.Duration
	heartbeatInterval time.Duration
	reportURL         string
	client            *http.Client
	instanceID        string
	startedAt         time.Time
}

// New creates a syncer. An empty reportURL disables heartbeats.
func New(store *db.Store, reg *registry.Registry, conn *connector.Manager, metrics *monitor.Metrics, syncInterval, heartbeatInterval time.Duration, reportURL string, log *zap.Logger) *Syncer {
	if syncInterval <= 0 {
		syncInterval = time.Minute
	}
	if heartbeatInterval <= 0 {
		heartbeatInterval = time.Minute
	}
	return &Syncer{
		store:             store,
		reg:               reg,
		conn:              conn,
		metrics:           metrics,
		log:               log,
		syncInterval:      syncInterval,
		heartbeatInterval: heartbeatInterval,
		reportURL:         reportURL,
		client:            &http.Client{Timeout: 10 * time.Second},
		instanceID:        instanceID(),
		startedAt:         time.Now(),
	}
}

// instanceID derives a stable per-host identifier so restarts keep the same
// identity in central reports. Falls back to a random id when the machine id
// is unavailable (containers without a machine-id file).
func instanceID() string {
	if id, err := machineid.ProtectedID(appID); err == nil {
		return id
	}
	return uuid.NewString()
}

// InstanceID returns the reporter identity.
func (s *Syncer) InstanceID() string { return s.instanceID }

// Run blocks until ctx is cancelled, driving both cadences.
func (s *Syncer) Run(ctx context.Context) {
	syncTicker := time.NewTicker(s.syncInterval)
	defer syncTicker.Stop()
	hbTicker := time.NewTicker(s.heartbeatInterval)
	defer hbTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final mirror write so restart resumes from fresh counters.
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.SyncOnce(flushCtx); err != nil {
				s.log.Warn("final runtime mirror failed", zap.Error(err))
			}
			cancel()
			return
		case <-syncTicker.C:
			if err := s.SyncOnce(ctx); err != nil {
				s.metrics.IncrementBackgroundErrors()
				s.log.Warn("runtime mirror failed", zap.Error(err))
			}
		case <-hbTicker.C:
			if err := s.heartbeat(ctx); err != nil {
				s.metrics.IncrementBackgroundErrors()
				s.log.Warn("heartbeat failed", zap.Error(err))
			}
		}
	}
}

// SyncOnce mirrors every strategy's live counters into the store.
func (s *Syncer) SyncOnce(ctx context.Context) error {
	for _, row := range s.reg.RuntimeRows() {
		if err := s.store.UpsertRuntime(ctx, row); err != nil {
			return fmt.Errorf("mirror runtime %s: %w", row.Name, err)
		}
	}
	return nil
}

type heartbeatPayload struct {
	InstanceID   string                  `json:"instance_id"`
	StartedAt    time.Time               `json:"started_at"`
	Strategies   []registry.StrategyView `json:"strategies"`
	Cycles       uint64                  `json:"cycles"`
	Actions      uint64                  `json:"actions"`
	LastSnapshot *exchange.Snapshot      `json:"last_snapshot,omitempty"`
	SentAt       time.Time               `json:"sent_at"`
}

// lastSnapshot picks the freshest book view among the pairs strategies need.
func (s *Syncer) lastSnapshot() *exchange.Snapshot {
	var best *exchange.Snapshot
	for _, pair := range s.reg.RequiredPairs() {
		snap := s.conn.OrderBook(pair)
		if snap == nil {
			continue
		}
		if best == nil || snap.Time.After(best.Time) {
			best = snap
		}
	}
	return best
}

func (s *Syncer) heartbeat(ctx context.Context) error {
	if s.reportURL == "" {
		return nil
	}
	payload := heartbeatPayload{
		InstanceID:   s.instanceID,
		StartedAt:    s.startedAt,
		Strategies:   s.reg.List(""),
		Cycles:       s.metrics.Cycles(),
		Actions:      s.metrics.Actions(),
		LastSnapshot: s.lastSnapshot(),
		SentAt:       time.Now(),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode heartbeat: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.reportURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build heartbeat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send heartbeat: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("heartbeat rejected: %s", resp.Status)
	}
	return nil
}
