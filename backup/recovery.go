package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hirewire/hiresync/localstore"
)

// Issue severities. Errors block auto-repair; warnings do not.
const (
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// StaleProcessingThreshold is how long a queue item may sit in processing
// before the integrity check flags it as abandoned.
const StaleProcessingThreshold = 5 * time.Minute

// Issue is one finding from an integrity check.
type Issue struct {
	Severity string `json:"severity"`
	Table    string `json:"table,omitempty"`
	ID       string `json:"id,omitempty"`
	Detail   string `json:"detail"`
}

// IntegrityReport is the outcome of a full store audit.
type IntegrityReport struct {
	CheckedAt int64   `json:"checkedAt"`
	Healthy   bool    `json:"healthy"`
	Issues    []Issue `json:"issues"`
}

// warningsOnly reports whether every issue is repairable without data-loss
// judgment calls.
func (r *IntegrityReport) warningsOnly() bool {
	for _, i := range r.Issues {
		if i.Severity != SeverityWarning {
			return false
		}
	}
	return true
}

// CheckIntegrity audits the store for orphaned references, corrupted rows,
// and abandoned queue items. It never mutates anything.
func (s *Service) CheckIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{CheckedAt: time.Now().UnixMilli()}

	matchIDs, err := s.collectIDs(ctx, localstore.TableMatches)
	if err != nil {
		return nil, err
	}

	messages, err := s.store.List(ctx, localstore.TableMessages)
	if err != nil {
		return nil, err
	}
	for _, row := range messages {
		matchID := extractField(row.Data, "matchId")
		if matchID == "" {
			report.Issues = append(report.Issues, Issue{
				Severity: SeverityWarning,
				Table:    localstore.TableMessages,
				ID:       row.ID,
				Detail:   "message has no matchId",
			})
			continue
		}
		if _, ok := matchIDs[matchID]; !ok {
			report.Issues = append(report.Issues, Issue{
				Severity: SeverityWarning,
				Table:    localstore.TableMessages,
				ID:       row.ID,
				Detail:   fmt.Sprintf("message references missing match %s", matchID),
			})
		}
	}

	profiles, err := s.store.List(ctx, localstore.TableProfiles)
	if err != nil {
		return nil, err
	}
	for _, row := range profiles {
		if extractField(row.Data, "id") == "" || extractField(row.Data, "userId") == "" {
			report.Issues = append(report.Issues, Issue{
				Severity: SeverityError,
				Table:    localstore.TableProfiles,
				ID:       row.ID,
				Detail:   "profile missing id or userId",
			})
		}
	}

	stale, err := s.store.StaleProcessing(ctx, s.staleThreshold)
	if err != nil {
		return nil, err
	}
	for _, item := range stale {
		report.Issues = append(report.Issues, Issue{
			Severity: SeverityWarning,
			ID:       item.ID,
			Detail:   fmt.Sprintf("queue item for %s/%s stuck in processing", item.Entity, item.EntityID),
		})
	}

	report.Healthy = len(report.Issues) == 0
	return report, nil
}

// Repair removes orphaned and corrupted rows and returns abandoned queue
// items to pending. It re-runs the audit first so it only acts on current
// findings.
func (s *Service) Repair(ctx context.Context) (*IntegrityReport, error) {
	report, err := s.CheckIntegrity(ctx)
	if err != nil {
		return nil, err
	}
	if report.Healthy {
		return report, nil
	}

	err = s.store.WithTx(ctx, func(tx *localstore.Tx) error {
		for _, issue := range report.Issues {
			if issue.Table == "" {
				continue
			}
			if err := tx.Delete(ctx, issue.Table, issue.ID); err != nil {
				return fmt.Errorf("failed to repair %s/%s: %w", issue.Table, issue.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if _, err := s.store.ResetStaleProcessing(ctx, s.staleThreshold); err != nil {
		return nil, err
	}
	s.logger.Info("store repaired", "issues", len(report.Issues))
	return report, nil
}

// CheckAndRepair audits the store and auto-repairs only when every finding
// is a warning. Errors indicate real data loss and are left for the caller
// to decide on.
func (s *Service) CheckAndRepair(ctx context.Context) (*IntegrityReport, bool, error) {
	report, err := s.CheckIntegrity(ctx)
	if err != nil {
		return nil, false, err
	}
	if report.Healthy || !report.warningsOnly() {
		return report, false, nil
	}
	if _, err := s.Repair(ctx); err != nil {
		return report, false, err
	}
	return report, true, nil
}

func (s *Service) collectIDs(ctx context.Context, table string) (map[string]struct{}, error) {
	rows, err := s.store.List(ctx, table)
	if err != nil {
		return nil, err
	}
	ids := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		ids[row.ID] = struct{}{}
	}
	return ids, nil
}

// extractField pulls a top-level string field out of an entity document.
// Non-string and missing fields come back empty.
func extractField(data json.RawMessage, field string) string {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return ""
	}
	raw, ok := doc[field]
	if !ok {
		return ""
	}
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return ""
	}
	return v
}
