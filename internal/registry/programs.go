package registry

import (
	"database/sql"
	"time"
)

// ProgramRecord is the last known state of one VmHash, as observed
// through the pool's state-change hook.
type ProgramRecord struct {
	VMHash    string    `json:"vm_hash"`
	State     string    `json:"state"`
	VMID      string    `json:"vm_id,omitempty"`
	LastSeen  time.Time `json:"last_seen"`
	CreatedAt time.Time `json:"created_at"`
}

// RecordState upserts a VmHash's observed state. Called from the pool's
// state-change hook on cold start, eviction, and teardown — it is never
// consulted to decide pool behavior, only to report it.
func (d *DB) RecordState(vmHash, state, vmID string) error {
	now := time.Now().Format(time.RFC3339)
	_, err := d.db.Exec(`
		INSERT INTO programs (vm_hash, state, vm_id, last_seen, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(vm_hash) DO UPDATE SET
			state = excluded.state,
			vm_id = excluded.vm_id,
			last_seen = excluded.last_seen
	`, vmHash, state, vmID, now, now)
	return err
}

// GetProgram retrieves a VmHash's last known state, or nil if it has
// never been seen.
func (d *DB) GetProgram(vmHash string) (*ProgramRecord, error) {
	row := d.db.QueryRow(`
		SELECT vm_hash, state, vm_id, last_seen, created_at
		FROM programs WHERE vm_hash = ?
	`, vmHash)
	return scanProgram(row)
}

// ListPrograms returns every VmHash's last known state, most recently
// seen first.
func (d *DB) ListPrograms() ([]*ProgramRecord, error) {
	rows, err := d.db.Query(`
		SELECT vm_hash, state, vm_id, last_seen, created_at
		FROM programs ORDER BY last_seen DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ProgramRecord
	for rows.Next() {
		rec, err := scanProgramRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanProgram(row *sql.Row) (*ProgramRecord, error) {
	var rec ProgramRecord
	var lastSeen, createdAt string
	err := row.Scan(&rec.VMHash, &rec.State, &rec.VMID, &lastSeen, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.LastSeen, _ = time.Parse(time.RFC3339, lastSeen)
	rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &rec, nil
}

func scanProgramRow(rows *sql.Rows) (*ProgramRecord, error) {
	var rec ProgramRecord
	var lastSeen, createdAt string
	err := rows.Scan(&rec.VMHash, &rec.State, &rec.VMID, &lastSeen, &createdAt)
	if err != nil {
		return nil, err
	}
	rec.LastSeen, _ = time.Parse(time.RFC3339, lastSeen)
	rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &rec, nil
}
