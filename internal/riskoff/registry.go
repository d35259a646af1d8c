// Package riskoff persists per-market risk-off records so a pause survives
// restarts. One JSON file per condition ID, written atomically
// (temp file + rename).
package riskoff

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Reason is why a market was put to sleep.
type Reason string

const (
	ReasonStopLoss   Reason = "stop_loss"
	ReasonVolatility Reason = "volatility"
)

// Record is one market's risk-off state.
type Record struct {
	ConditionID string `json:"condition_id"`
	SleepUntil  int64  `json:"sleep_until_epoch"`
	Reason      Reason `json:"reason"`
	TrippedAt   int64  `json:"tripped_at_epoch"`
}

// Until returns the sleep deadline as a time.
func (r Record) Until() time.Time {
	return time.Unix(r.SleepUntil, 0)
}

// Registry holds risk-off records in memory with a file per market on disk.
type Registry struct {
	mu      sync.RWMutex
	dir     string
	logger  *slog.Logger
	records map[string]Record
}

// NewRegistry creates the directory if needed and loads any existing records.
func NewRegistry(dir string, logger *slog.Logger) (*Registry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create riskoff dir: %w", err)
	}

	r := &Registry{
		dir:     dir,
		logger:  logger.With("component", "riskoff"),
		records: make(map[string]Record),
	}
	if err := r.loadAll(); err != nil {
		return nil, err
	}
	return r, nil
}

// Trip records a risk-off pause for a market and persists it.
func (r *Registry) Trip(conditionID string, until time.Time, reason Reason) error {
	rec := Record{
		ConditionID: conditionID,
		SleepUntil:  until.Unix(),
		Reason:      reason,
		TrippedAt:   time.Now().Unix(),
	}

	r.mu.Lock()
	r.records[conditionID] = rec
	r.mu.Unlock()

	r.logger.Warn("risk-off tripped",
		"condition_id", conditionID,
		"reason", string(reason),
		"sleep_until", until.Format(time.RFC3339))

	return r.save(rec)
}

// Active returns the record if the market is still sleeping at now.
// An expired record is left in place; the caller clears it explicitly so the
// wake-up is logged exactly once.
func (r *Registry) Active(conditionID string, now time.Time) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[conditionID]
	if !ok || now.Unix() >= rec.SleepUntil {
		return Record{}, false
	}
	return rec, true
}

// Expired reports whether the market has a record whose sleep has elapsed.
func (r *Registry) Expired(conditionID string, now time.Time) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[conditionID]
	return ok && now.Unix() >= rec.SleepUntil
}

// Clear removes a market's record from memory and disk.
func (r *Registry) Clear(conditionID string) error {
	r.mu.Lock()
	_, ok := r.records[conditionID]
	delete(r.records, conditionID)
	r.mu.Unlock()

	if !ok {
		return nil
	}

	r.logger.Info("risk-off cleared", "condition_id", conditionID)

	if err := os.Remove(r.path(conditionID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove riskoff file: %w", err)
	}
	return nil
}

func (r *Registry) path(conditionID string) string {
	return filepath.Join(r.dir, "riskoff_"+conditionID+".json")
}

// save writes a record atomically: temp file in the same dir, then rename.
func (r *Registry) save(rec Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal riskoff record: %w", err)
	}

	final := r.path(rec.ConditionID)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write riskoff tmp: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("rename riskoff file: %w", err)
	}
	return nil
}

func (r *Registry) loadAll() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("read riskoff dir: %w", err)
	}

	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "riskoff_") || !strings.HasSuffix(name, ".json") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(r.dir, name))
		if err != nil {
			r.logger.Warn("skipping unreadable riskoff file", "file", name, "error", err)
			continue
		}

		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			r.logger.Warn("skipping corrupt riskoff file", "file", name, "error", err)
			continue
		}
		if rec.ConditionID == "" {
			continue
		}
		r.records[rec.ConditionID] = rec
	}

	if len(r.records) > 0 {
		r.logger.Info("loaded riskoff records", "count", len(r.records))
	}
	return nil
}
