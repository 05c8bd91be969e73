// ledger.go manages the single ledger record that identifies a data directory.
package core

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Ledger identifies one data directory. All runs, quarantine records,
// evidence and audit entries are keyed by its UUID.
type Ledger struct {
	UUID      string    `json:"uuid"`
	CreatedAt time.Time `json:"created_at"`
	Path      string    `json:"path"`
}

// LoadLedger returns the ledger stored in db, or sql.ErrNoRows.
func LoadLedger(db *sql.DB) (*Ledger, error) {
	var l Ledger
	var createdAt string
	err := db.QueryRow("SELECT uuid, created_at, path FROM ledger LIMIT 1").Scan(&l.UUID, &createdAt, &l.Path)
	if err != nil {
		return nil, err
	}
	l.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &l, nil
}

// EnsureLedger loads the ledger, creating it on first use. created reports
// whether a new record was written.
func EnsureLedger(db *sql.DB, path string) (l *Ledger, created bool, err error) {
	l, err = LoadLedger(db)
	if err == nil {
		return l, false, nil
	}
	if err != sql.ErrNoRows {
		return nil, false, fmt.Errorf("loading ledger: %w", err)
	}

	l = &Ledger{
		UUID:      uuid.New().String(),
		CreatedAt: time.Now().UTC(),
		Path:      path,
	}
	_, err = db.Exec(
		"INSERT INTO ledger (uuid, created_at, path) VALUES (?, ?, ?)",
		l.UUID, l.CreatedAt.Format(time.RFC3339), l.Path,
	)
	if err != nil {
		return nil, false, fmt.Errorf("saving ledger: %w", err)
	}
	return l, true, nil
}
