package containment

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cloudir/cloudir/internal/core"
)

// Ledger persists the group membership each interface had before it was
// quarantined, so isolation can be reversed.
type Ledger struct {
	db         *sql.DB
	ledgerUUID string
}

// NewLedger creates a quarantine ledger in db.
func NewLedger(db *sql.DB, ledgerUUID string) *Ledger {
	return &Ledger{db: db, ledgerUUID: ledgerUUID}
}

// Record saves prior membership for an interface. An interface that is
// already under active quarantine keeps its original record.
func (l *Ledger) Record(rec core.QuarantineRecord) error {
	priorJSON, _ := json.Marshal(rec.PriorGroups)
	_, err := l.db.Exec(
		`INSERT INTO quarantine_records (instance_id, network_interface_id, prior_groups, quarantine_group,
		 reason, isolated_at, released_at, ledger_uuid)
		 VALUES (?, ?, ?, ?, ?, ?, NULL, ?)
		 ON CONFLICT(instance_id, network_interface_id) DO UPDATE SET
		   prior_groups = excluded.prior_groups,
		   quarantine_group = excluded.quarantine_group,
		   reason = excluded.reason,
		   isolated_at = excluded.isolated_at,
		   released_at = NULL
		 WHERE quarantine_records.released_at IS NOT NULL`,
		rec.InstanceID, rec.NetworkInterfaceID, string(priorJSON), rec.QuarantineGroup,
		rec.Reason, rec.IsolatedAt.UTC().Format(time.RFC3339), l.ledgerUUID,
	)
	if err != nil {
		return fmt.Errorf("recording quarantine of %s: %w", rec.NetworkInterfaceID, err)
	}
	return nil
}

// Active returns the unreleased records for an instance.
func (l *Ledger) Active(instanceID string) ([]core.QuarantineRecord, error) {
	rows, err := l.db.Query(
		`SELECT instance_id, network_interface_id, prior_groups, quarantine_group, reason, isolated_at, released_at
		 FROM quarantine_records WHERE instance_id = ? AND released_at IS NULL AND ledger_uuid = ?
		 ORDER BY network_interface_id`,
		instanceID, l.ledgerUUID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying quarantine records: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// List returns every record, newest first. Released records are included
// when all is true.
func (l *Ledger) List(all bool) ([]core.QuarantineRecord, error) {
	query := `SELECT instance_id, network_interface_id, prior_groups, quarantine_group, reason, isolated_at, released_at
	          FROM quarantine_records WHERE ledger_uuid = ?`
	if !all {
		query += " AND released_at IS NULL"
	}
	query += " ORDER BY isolated_at DESC, instance_id, network_interface_id"

	rows, err := l.db.Query(query, l.ledgerUUID)
	if err != nil {
		return nil, fmt.Errorf("querying quarantine records: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// MarkReleased closes the record for one interface.
func (l *Ledger) MarkReleased(instanceID, interfaceID string, at time.Time) error {
	_, err := l.db.Exec(
		`UPDATE quarantine_records SET released_at = ? WHERE instance_id = ? AND network_interface_id = ? AND released_at IS NULL`,
		at.UTC().Format(time.RFC3339), instanceID, interfaceID,
	)
	if err != nil {
		return fmt.Errorf("releasing %s: %w", interfaceID, err)
	}
	return nil
}

func scanRecords(rows *sql.Rows) ([]core.QuarantineRecord, error) {
	var recs []core.QuarantineRecord
	for rows.Next() {
		var rec core.QuarantineRecord
		var priorJSON, isolatedAt string
		var releasedAt sql.NullString
		if err := rows.Scan(&rec.InstanceID, &rec.NetworkInterfaceID, &priorJSON, &rec.QuarantineGroup,
			&rec.Reason, &isolatedAt, &releasedAt); err != nil {
			return nil, fmt.Errorf("scanning quarantine record: %w", err)
		}
		json.Unmarshal([]byte(priorJSON), &rec.PriorGroups)
		rec.IsolatedAt, _ = time.Parse(time.RFC3339, isolatedAt)
		if releasedAt.Valid {
			t, _ := time.Parse(time.RFC3339, releasedAt.String)
			rec.ReleasedAt = &t
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
