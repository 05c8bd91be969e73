// Package evidence keeps collected forensic artifacts in a local
// content-addressed store. Files are named by their SHA-256 hash under the
// data directory's evidence/ folder and indexed in SQLite.
package evidence

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/cloudir/cloudir/internal/core"
)

// Store manages evidence files and their records.
type Store struct {
	db     *sql.DB
	dir    string
	ledger string
}

// NewStore creates a store rooted at dataDir/evidence.
func NewStore(db *sql.DB, dataDir, ledgerUUID string) *Store {
	return &Store{db: db, dir: filepath.Join(dataDir, "evidence"), ledger: ledgerUUID}
}

// Dir returns the directory evidence files are written to.
func (s *Store) Dir() string { return s.dir }

// AddInput describes one artifact to store.
type AddInput struct {
	RunUUID       *string
	InstanceID    string
	Name          string
	SourceURI     string
	Content       []byte
	IsPlaceholder bool
	CreatedBy     string
}

// Add writes content (once per distinct hash) and records it.
func (s *Store) Add(in AddInput) (*core.EvidenceRecord, error) {
	h := sha256.Sum256(in.Content)
	hash := hex.EncodeToString(h[:])
	path := filepath.Join(s.dir, hash)

	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return nil, fmt.Errorf("ensuring evidence directory: %w", err)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, in.Content, 0600); err != nil {
			return nil, fmt.Errorf("writing evidence file: %w", err)
		}
	}

	if in.CreatedBy == "" {
		in.CreatedBy = "local"
	}
	rec := &core.EvidenceRecord{
		UUID:          uuid.New().String(),
		LedgerUUID:    s.ledger,
		RunUUID:       in.RunUUID,
		InstanceID:    in.InstanceID,
		Name:          in.Name,
		SourceURI:     in.SourceURI,
		ContentHash:   hash,
		StoragePath:   hash,
		ByteSize:      int64(len(in.Content)),
		IsPlaceholder: in.IsPlaceholder,
		CreatedAt:     time.Now().UTC(),
		CreatedBy:     in.CreatedBy,
	}
	_, err := s.db.Exec(
		`INSERT INTO evidence (uuid, ledger_uuid, run_uuid, instance_id, name, source_uri,
		 content_hash, storage_path, byte_size, is_placeholder, created_at, created_by)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.UUID, rec.LedgerUUID, rec.RunUUID, rec.InstanceID, rec.Name, rec.SourceURI,
		rec.ContentHash, rec.StoragePath, rec.ByteSize, boolInt(rec.IsPlaceholder),
		rec.CreatedAt.Format(time.RFC3339Nano), rec.CreatedBy,
	)
	if err != nil {
		return nil, fmt.Errorf("inserting evidence record: %w", err)
	}
	return rec, nil
}

// Get returns a record by UUID or UUID prefix.
func (s *Store) Get(id string) (*core.EvidenceRecord, error) {
	rows, err := s.db.Query(selectEvidence+` AND (uuid = ? OR uuid LIKE ?) LIMIT 1`, s.ledger, id, id+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	recs, err := scanEvidence(rows)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("evidence not found: %s", id)
	}
	return &recs[0], nil
}

// Read returns a record's bytes after checking them against the recorded hash.
func (s *Store) Read(rec *core.EvidenceRecord) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, rec.StoragePath))
	if err != nil {
		return nil, fmt.Errorf("reading evidence file: %w", err)
	}
	h := sha256.Sum256(data)
	if hex.EncodeToString(h[:]) != rec.ContentHash {
		return nil, fmt.Errorf("evidence integrity check failed: hash mismatch for %s", rec.UUID)
	}
	return data, nil
}

// List returns records, newest first. Empty filters match everything.
func (s *Store) List(instanceID, runUUID string) ([]core.EvidenceRecord, error) {
	query := selectEvidence
	args := []any{s.ledger}
	if instanceID != "" {
		query += " AND instance_id = ?"
		args = append(args, instanceID)
	}
	if runUUID != "" {
		query += " AND run_uuid = ?"
		args = append(args, runUUID)
	}
	query += " ORDER BY created_at DESC, name"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying evidence: %w", err)
	}
	defer rows.Close()
	return scanEvidence(rows)
}

// VerifyIntegrity rehashes every stored file.
func (s *Store) VerifyIntegrity() (valid int, invalid []string, err error) {
	recs, err := s.List("", "")
	if err != nil {
		return 0, nil, err
	}
	for _, rec := range recs {
		if _, err := s.Read(&rec); err != nil {
			invalid = append(invalid, fmt.Sprintf("%s (%s): %v", rec.UUID, rec.Name, err))
			continue
		}
		valid++
	}
	return valid, invalid, nil
}

const selectEvidence = `SELECT uuid, ledger_uuid, run_uuid, instance_id, name, source_uri, content_hash,
	storage_path, byte_size, is_placeholder, created_at, created_by
	FROM evidence WHERE ledger_uuid = ?`

func scanEvidence(rows *sql.Rows) ([]core.EvidenceRecord, error) {
	var recs []core.EvidenceRecord
	for rows.Next() {
		var rec core.EvidenceRecord
		var runUUID sql.NullString
		var createdAt string
		var placeholder int
		err := rows.Scan(&rec.UUID, &rec.LedgerUUID, &runUUID, &rec.InstanceID, &rec.Name, &rec.SourceURI,
			&rec.ContentHash, &rec.StoragePath, &rec.ByteSize, &placeholder, &createdAt, &rec.CreatedBy)
		if err != nil {
			return nil, fmt.Errorf("scanning evidence: %w", err)
		}
		if runUUID.Valid {
			rec.RunUUID = &runUUID.String
		}
		rec.IsPlaceholder = placeholder != 0
		rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
