// ABOUTME: SQLite ledger of credential/config mutations and approval decisions
// ABOUTME: Records which device did what to which resource, queryable newest-first

package auditlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrNotFound indicates no entry matched.
var ErrNotFound = errors.New("audit entry not found")

// Action is an auditable gateway mutation.
type Action string

const (
	ActionUpsertProfile    Action = "upsert_profile"
	ActionDeleteProfile    Action = "delete_profile"
	ActionSetOrder         Action = "set_order"
	ActionUpdateAgent      Action = "update_agent"
	ActionApplyConfigPatch Action = "apply_config_patch"
	ActionReportUsage      Action = "report_usage"
	ActionSessionStarted   Action = "session_started"
	ActionSessionCancelled Action = "session_cancelled"
	ActionApprovalResolved Action = "approval_resolved"
	ActionApprovalExpired  Action = "approval_expired"
	ActionTokenIssued      Action = "token_issued"
)

// Entry is one ledger row.
type Entry struct {
	ID         string
	DeviceID   string
	Action     Action
	TargetType string // "profile", "agent", "config", "session", "approval", "device"
	TargetID   string
	Timestamp  time.Time
	Detail     map[string]any
}

// Filter narrows a list query. Nil fields match everything.
type Filter struct {
	Since      *time.Time
	Until      *time.Time
	DeviceID   *string
	Action     *Action
	TargetType *string
	TargetID   *string
	Limit      int // default 100, capped at 1000
}

// Ledger is the append-only audit store.
type Ledger struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or opens the ledger database at path, bootstrapping the
// schema on first use.
func Open(path string, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "auditlog")

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating audit directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening audit database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	l := &Ledger{db: db, logger: logger}
	if err := l.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating audit schema: %w", err)
	}
	logger.Info("audit ledger opened", "path", path)
	return l, nil
}

func (l *Ledger) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS audit_log (
			audit_id    TEXT PRIMARY KEY,
			device_id   TEXT NOT NULL,
			action      TEXT NOT NULL,
			target_type TEXT NOT NULL,
			target_id   TEXT NOT NULL,
			ts          TEXT NOT NULL,
			detail_json TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(ts DESC);
		CREATE INDEX IF NOT EXISTS idx_audit_device ON audit_log(device_id);
		CREATE INDEX IF NOT EXISTS idx_audit_target ON audit_log(target_type, target_id);
	`
	_, err := l.db.Exec(schema)
	return err
}

// Append records an entry, generating ID and Timestamp when unset.
func (l *Ledger) Append(ctx context.Context, e *Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	var detailJSON any
	if e.Detail != nil {
		data, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("marshaling audit detail: %w", err)
		}
		detailJSON = string(data)
	}

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO audit_log (audit_id, device_id, action, target_type, target_id, ts, detail_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID,
		e.DeviceID,
		e.Action,
		e.TargetType,
		e.TargetID,
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		detailJSON,
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}

	l.logger.Debug("appended audit entry",
		"id", e.ID,
		"device", e.DeviceID,
		"action", e.Action,
		"target", e.TargetType+"/"+e.TargetID,
	)
	return nil
}

const listQuery = `
	SELECT audit_id, device_id, action, target_type, target_id, ts, detail_json
	FROM audit_log
	WHERE (? IS NULL OR ts >= ?)
	  AND (? IS NULL OR ts <= ?)
	  AND (? IS NULL OR device_id = ?)
	  AND (? IS NULL OR action = ?)
	  AND (? IS NULL OR target_type = ?)
	  AND (? IS NULL OR target_id = ?)
	ORDER BY ts DESC
	LIMIT ?
`

// List returns entries matching the filter, newest first.
func (l *Ledger) List(ctx context.Context, f Filter) ([]Entry, error) {
	limit := f.Limit
	switch {
	case limit <= 0:
		limit = 100
	case limit > 1000:
		limit = 1000
	}

	var sinceStr, untilStr, actionStr *string
	if f.Since != nil {
		s := f.Since.UTC().Format(time.RFC3339Nano)
		sinceStr = &s
	}
	if f.Until != nil {
		s := f.Until.UTC().Format(time.RFC3339Nano)
		untilStr = &s
	}
	if f.Action != nil {
		a := string(*f.Action)
		actionStr = &a
	}

	rows, err := l.db.QueryContext(ctx, listQuery,
		sinceStr, sinceStr,
		untilStr, untilStr,
		f.DeviceID, f.DeviceID,
		actionStr, actionStr,
		f.TargetType, f.TargetType,
		f.TargetID, f.TargetID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		var actionStr, tsStr string
		var detailJSON *string
		if err := rows.Scan(&e.ID, &e.DeviceID, &actionStr, &e.TargetType, &e.TargetID, &tsStr, &detailJSON); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		e.Action = Action(actionStr)
		e.Timestamp, err = time.Parse(time.RFC3339Nano, tsStr)
		if err != nil {
			return nil, fmt.Errorf("parsing audit timestamp: %w", err)
		}
		if detailJSON != nil {
			if err := json.Unmarshal([]byte(*detailJSON), &e.Detail); err != nil {
				return nil, fmt.Errorf("unmarshaling audit detail: %w", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit entries: %w", err)
	}
	return entries, nil
}

// Close closes the database.
func (l *Ledger) Close() error {
	l.logger.Info("closing audit ledger")
	return l.db.Close()
}
