// engine.go provides the Engine that wires the local persistence subsystems.
package core

import (
	"database/sql"
	"fmt"

	"github.com/cloudir/cloudir/internal/audit"
	"github.com/cloudir/cloudir/internal/db"
	"github.com/cloudir/cloudir/internal/logging"
	"github.com/rs/zerolog"
)

// Engine owns the databases, the audit chain and the logger for one data
// directory.
type Engine struct {
	Ledger      *Ledger
	MetadataDB  *sql.DB
	AuditDB     *sql.DB
	AuditLogger *audit.Logger
	Logger      zerolog.Logger
}

// Open opens (creating if needed) the data directory at dataDir.
func Open(dataDir, logLevel string) (*Engine, error) {
	if err := db.EnsureDataDir(dataDir); err != nil {
		return nil, err
	}

	metaDB, err := db.OpenMetadataDB(dataDir)
	if err != nil {
		return nil, fmt.Errorf("opening metadata database: %w", err)
	}

	auditDB, err := db.OpenAuditDB(dataDir)
	if err != nil {
		metaDB.Close()
		return nil, fmt.Errorf("opening audit database: %w", err)
	}

	ledger, created, err := EnsureLedger(metaDB, dataDir)
	if err != nil {
		metaDB.Close()
		auditDB.Close()
		return nil, err
	}

	al, err := audit.NewLogger(auditDB, ledger.UUID)
	if err != nil {
		metaDB.Close()
		auditDB.Close()
		return nil, fmt.Errorf("creating audit logger: %w", err)
	}

	if created {
		al.Log(audit.EventLedgerCreated, "local", "", map[string]string{
			"ledger_uuid": ledger.UUID,
			"path":        dataDir,
		})
	}

	return &Engine{
		Ledger:      ledger,
		MetadataDB:  metaDB,
		AuditDB:     auditDB,
		AuditLogger: al,
		Logger:      logging.NewLogger(logLevel, ledger.UUID),
	}, nil
}

// Close cleanly shuts down all engine resources.
func (e *Engine) Close() error {
	var firstErr error
	if e.MetadataDB != nil {
		if err := e.MetadataDB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if e.AuditDB != nil {
		if err := e.AuditDB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
