// Package audit provides the append-only audit log. Records form a SHA-256
// hash chain so that edits or deletions are detectable with Verify.
package audit

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// EventType categorizes audit log entries.
type EventType string

const (
	EventAPICall           EventType = "api_call"
	EventStepRun           EventType = "step_run"
	EventChainPhase        EventType = "chain_phase"
	EventContainment       EventType = "containment"
	EventNotification      EventType = "notification"
	EventScopeViolation    EventType = "scope_violation"
	EventEvidenceCollected EventType = "evidence_collected"
	EventDetection         EventType = "detection"
	EventLedgerCreated     EventType = "ledger_created"
)

// Logger writes tamper-evident audit records to the audit database.
type Logger struct {
	db         *sql.DB
	mu         sync.Mutex
	lastHash   string
	ledgerUUID string
}

// NewLogger creates an audit logger for the given ledger.
func NewLogger(db *sql.DB, ledgerUUID string) (*Logger, error) {
	al := &Logger{
		db:         db,
		ledgerUUID: ledgerUUID,
	}

	var lastHash sql.NullString
	err := db.QueryRow(
		"SELECT record_hash FROM audit_log WHERE ledger_uuid = ? ORDER BY id DESC LIMIT 1",
		ledgerUUID,
	).Scan(&lastHash)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("recovering audit chain: %w", err)
	}
	if lastHash.Valid {
		al.lastHash = lastHash.String
	}

	return al, nil
}

// Log appends an event to the chain.
func (al *Logger) Log(eventType EventType, operator, runUUID string, detail any) error {
	al.mu.Lock()
	defer al.mu.Unlock()

	detailJSON, err := json.Marshal(detail)
	if err != nil {
		detailJSON = []byte(fmt.Sprintf(`{"error":"failed to marshal detail: %s"}`, err))
	}

	now := time.Now().UTC()
	recordHash := chainHash(al.lastHash, now.Format(time.RFC3339Nano), string(eventType), operator, string(detailJSON))

	_, err = al.db.Exec(
		`INSERT INTO audit_log (timestamp, ledger_uuid, run_uuid, operator, event_type, detail, record_hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		now.Format(time.RFC3339Nano),
		al.ledgerUUID,
		runUUID,
		operator,
		string(eventType),
		string(detailJSON),
		recordHash,
	)
	if err != nil {
		return fmt.Errorf("inserting audit record: %w", err)
	}

	al.lastHash = recordHash
	return nil
}

// LogContext is Log with operator and run taken from ctx.
func (al *Logger) LogContext(ctx context.Context, eventType EventType, detail any) error {
	return al.Log(eventType, OperatorFromContext(ctx), RunFromContext(ctx), detail)
}

// SHA-256(previousHash + timestamp + eventType + operator + detail)
func chainHash(prev, ts, eventType, operator, detail string) string {
	h := sha256.Sum256([]byte(prev + ts + eventType + operator + detail))
	return hex.EncodeToString(h[:])
}

// Verify checks the integrity of the audit chain for a ledger. It returns the
// number of records walked before the first broken link.
func Verify(db *sql.DB, ledgerUUID string) (bool, int, error) {
	rows, err := db.Query(
		"SELECT timestamp, event_type, operator, detail, record_hash FROM audit_log WHERE ledger_uuid = ? ORDER BY id ASC",
		ledgerUUID,
	)
	if err != nil {
		return false, 0, fmt.Errorf("querying audit log: %w", err)
	}
	defer rows.Close()

	var previousHash string
	count := 0

	for rows.Next() {
		var ts, eventType, operator, detail, recordHash string
		if err := rows.Scan(&ts, &eventType, &operator, &detail, &recordHash); err != nil {
			return false, count, fmt.Errorf("scanning audit row: %w", err)
		}

		if chainHash(previousHash, ts, eventType, operator, detail) != recordHash {
			return false, count, fmt.Errorf("audit chain broken at record %d", count+1)
		}

		previousHash = recordHash
		count++
	}

	return true, count, rows.Err()
}

type ctxKey int

const (
	runKey ctxKey = iota
	operatorKey
)

// WithRun tags ctx so that records written under it carry runUUID.
func WithRun(ctx context.Context, runUUID string) context.Context {
	return context.WithValue(ctx, runKey, runUUID)
}

// RunFromContext returns the run UUID set by WithRun, or "".
func RunFromContext(ctx context.Context) string {
	s, _ := ctx.Value(runKey).(string)
	return s
}

// WithOperator tags ctx with the acting operator.
func WithOperator(ctx context.Context, operator string) context.Context {
	return context.WithValue(ctx, operatorKey, operator)
}

// OperatorFromContext returns the operator set by WithOperator, or "local".
func OperatorFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(operatorKey).(string); ok && s != "" {
		return s
	}
	return "local"
}
