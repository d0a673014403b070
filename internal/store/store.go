// Package store implements the Persistent Store (spec.md §4.6): the
// single source of truth for bundles, chunks, and custody records. All
// in-memory engine state is derived and rebuildable from it.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/quantarax/courier/internal/model"
)

var (
	ErrBundleNotFound  = errors.New("store: bundle not found")
	ErrChunkNotFound   = errors.New("store: chunk not found")
	ErrCustodyNotFound = errors.New("store: custody record not found")
)

// PersistentStore manages the SQLite-backed bundles/chunks/custody tables.
type PersistentStore struct {
	db *sql.DB
	mu sync.RWMutex
}

// New opens (creating if necessary) the SQLite database at path and
// ensures its schema is current.
func New(path string) (*PersistentStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid lock contention
	db.SetConnMaxLifetime(time.Hour)

	s := &PersistentStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PersistentStore) initSchema() error {
	const schema = `
		CREATE TABLE IF NOT EXISTS bundles (
			bundle_id             TEXT PRIMARY KEY,
			src_node              TEXT NOT NULL,
			src_addr              TEXT NOT NULL,
			dst_node              TEXT NOT NULL,
			dst_addr              TEXT NOT NULL,
			ttl                    TIMESTAMP NOT NULL,
			length                 INTEGER NOT NULL,
			total_chunks           INTEGER NOT NULL,
			fec_enabled            INTEGER NOT NULL,
			fec_k                  INTEGER NOT NULL,
			fec_r                  INTEGER NOT NULL,
			state                  TEXT NOT NULL,
			bytes_sent             INTEGER NOT NULL DEFAULT 0,
			chunks_retransmitted   INTEGER NOT NULL DEFAULT 0,
			digest                 TEXT NOT NULL DEFAULT '',
			created_at             TIMESTAMP NOT NULL,
			updated_at             TIMESTAMP NOT NULL
		);

		CREATE TABLE IF NOT EXISTS chunks (
			bundle_id   TEXT NOT NULL,
			chunk_id    INTEGER NOT NULL,
			is_parity   INTEGER NOT NULL,
			block_id    INTEGER NOT NULL,
			k           INTEGER NOT NULL,
			r           INTEGER NOT NULL,
			checksum    INTEGER NOT NULL,
			payload     BLOB NOT NULL,
			PRIMARY KEY (bundle_id, chunk_id),
			FOREIGN KEY (bundle_id) REFERENCES bundles(bundle_id) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS custody (
			bundle_id      TEXT NOT NULL,
			owner_node     TEXT NOT NULL,
			upstream_node  TEXT NOT NULL,
			upstream_addr  TEXT NOT NULL,
			ranges_json    TEXT NOT NULL,
			deadline_at    TIMESTAMP NOT NULL,
			acquired_at    TIMESTAMP NOT NULL,
			retry_timer    TIMESTAMP NOT NULL,
			retry_count    INTEGER NOT NULL DEFAULT 0,
			ack_nonce      INTEGER NOT NULL,
			state          TEXT NOT NULL,
			PRIMARY KEY (bundle_id, owner_node)
		);

		CREATE INDEX IF NOT EXISTS idx_bundles_state ON bundles(state);
		CREATE INDEX IF NOT EXISTS idx_bundles_ttl ON bundles(ttl);
		CREATE INDEX IF NOT EXISTS idx_custody_state ON custody(state);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("store: init schema: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *PersistentStore) Close() error {
	return s.db.Close()
}

// SaveBundle persists b, overwriting any existing row for the same id.
func (s *PersistentStore) SaveBundle(b *model.Bundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO bundles
			(bundle_id, src_node, src_addr, dst_node, dst_addr, ttl, length,
			 total_chunks, fec_enabled, fec_k, fec_r, state, bytes_sent,
			 chunks_retransmitted, digest, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		b.ID.String(), b.Src.NodeID, b.Src.Addr, b.Dst.NodeID, b.Dst.Addr,
		b.TTL, b.Length, b.TotalChunks, boolToInt(b.FECEnabled), b.K, b.R,
		b.State.String(), b.BytesSent, b.ChunksRetransmitted, b.Digest, b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: save bundle %s: %w", b.ID, err)
	}
	return nil
}

// LoadBundle retrieves a single bundle by id.
func (s *PersistentStore) LoadBundle(id model.BundleID) (*model.Bundle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT src_node, src_addr, dst_node, dst_addr, ttl, length, total_chunks,
		       fec_enabled, fec_k, fec_r, state, bytes_sent, chunks_retransmitted,
		       digest, created_at, updated_at
		FROM bundles WHERE bundle_id = ?`, id.String())
	b, err := scanBundle(row, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBundleNotFound
	}
	return b, err
}

// UpdateBundleState updates only a bundle's state and updated_at.
func (s *PersistentStore) UpdateBundleState(id model.BundleID, state model.BundleState, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE bundles SET state = ?, updated_at = ? WHERE bundle_id = ?`,
		state.String(), now, id.String())
	if err != nil {
		return fmt.Errorf("store: update bundle state %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrBundleNotFound
	}
	return nil
}

// UpdateBundleCounters records cumulative bytes sent / chunks retransmitted.
func (s *PersistentStore) UpdateBundleCounters(id model.BundleID, bytesSent, chunksRetransmitted int64, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE bundles SET bytes_sent = ?, chunks_retransmitted = ?, updated_at = ?
		WHERE bundle_id = ?`, bytesSent, chunksRetransmitted, now, id.String())
	if err != nil {
		return fmt.Errorf("store: update bundle counters %s: %w", id, err)
	}
	return nil
}

// DeleteBundle removes a bundle and its chunks (custody records are kept
// independently, per their own lifecycle).
func (s *PersistentStore) DeleteBundle(id model.BundleID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin delete bundle: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM chunks WHERE bundle_id = ?`, id.String()); err != nil {
		return fmt.Errorf("store: delete chunks for %s: %w", id, err)
	}
	if _, err := tx.Exec(`DELETE FROM bundles WHERE bundle_id = ?`, id.String()); err != nil {
		return fmt.Errorf("store: delete bundle %s: %w", id, err)
	}
	return tx.Commit()
}

// LoadInFlightBundles implements load_in_flight_bundles(): every bundle not
// yet in a terminal state, for restart recovery.
func (s *PersistentStore) LoadInFlightBundles() ([]*model.Bundle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT bundle_id, src_node, src_addr, dst_node, dst_addr, ttl, length,
		       total_chunks, fec_enabled, fec_k, fec_r, state, bytes_sent,
		       chunks_retransmitted, digest, created_at, updated_at
		FROM bundles WHERE state IN (?, ?)`,
		model.BundleNew.String(), model.BundleInFlight.String())
	if err != nil {
		return nil, fmt.Errorf("store: load in-flight bundles: %w", err)
	}
	defer rows.Close()

	var out []*model.Bundle
	for rows.Next() {
		var idStr string
		var b model.Bundle
		var fecEnabled int
		var stateStr string
		if err := rows.Scan(&idStr, &b.Src.NodeID, &b.Src.Addr, &b.Dst.NodeID, &b.Dst.Addr,
			&b.TTL, &b.Length, &b.TotalChunks, &fecEnabled, &b.K, &b.R, &stateStr,
			&b.BytesSent, &b.ChunksRetransmitted, &b.Digest, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scan in-flight bundle: %w", err)
		}
		id, err := model.ParseBundleID(idStr)
		if err != nil {
			return nil, fmt.Errorf("store: parse bundle id %q: %w", idStr, err)
		}
		b.ID = id
		b.FECEnabled = fecEnabled != 0
		b.State = model.ParseBundleState(stateStr)
		out = append(out, &b)
	}
	return out, rows.Err()
}

// LoadAllBundles returns every bundle regardless of state, for the
// `status` CLI verb (spec.md §6).
func (s *PersistentStore) LoadAllBundles() ([]*model.Bundle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT bundle_id, src_node, src_addr, dst_node, dst_addr, ttl, length,
		       total_chunks, fec_enabled, fec_k, fec_r, state, bytes_sent,
		       chunks_retransmitted, digest, created_at, updated_at
		FROM bundles`)
	if err != nil {
		return nil, fmt.Errorf("store: load all bundles: %w", err)
	}
	defer rows.Close()

	var out []*model.Bundle
	for rows.Next() {
		var idStr string
		var b model.Bundle
		var fecEnabled int
		var stateStr string
		if err := rows.Scan(&idStr, &b.Src.NodeID, &b.Src.Addr, &b.Dst.NodeID, &b.Dst.Addr,
			&b.TTL, &b.Length, &b.TotalChunks, &fecEnabled, &b.K, &b.R, &stateStr,
			&b.BytesSent, &b.ChunksRetransmitted, &b.Digest, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scan bundle: %w", err)
		}
		id, err := model.ParseBundleID(idStr)
		if err != nil {
			return nil, fmt.Errorf("store: parse bundle id %q: %w", idStr, err)
		}
		b.ID = id
		b.FECEnabled = fecEnabled != 0
		b.State = model.ParseBundleState(stateStr)
		out = append(out, &b)
	}
	return out, rows.Err()
}

func scanBundle(row *sql.Row, id model.BundleID) (*model.Bundle, error) {
	var b model.Bundle
	b.ID = id
	var fecEnabled int
	var stateStr string
	err := row.Scan(&b.Src.NodeID, &b.Src.Addr, &b.Dst.NodeID, &b.Dst.Addr, &b.TTL,
		&b.Length, &b.TotalChunks, &fecEnabled, &b.K, &b.R, &stateStr,
		&b.BytesSent, &b.ChunksRetransmitted, &b.Digest, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	b.FECEnabled = fecEnabled != 0
	b.State = model.ParseBundleState(stateStr)
	return &b, nil
}

// SaveChunk persists a single chunk, overwriting any existing row for the
// same (bundle_id, chunk_id).
func (s *PersistentStore) SaveChunk(c *model.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO chunks
			(bundle_id, chunk_id, is_parity, block_id, k, r, checksum, payload)
		VALUES (?,?,?,?,?,?,?,?)`,
		c.BundleID.String(), c.ChunkID, boolToInt(c.IsParity), c.BlockID, c.K, c.R,
		c.Checksum, c.Payload,
	)
	if err != nil {
		return fmt.Errorf("store: save chunk %s/%d: %w", c.BundleID, c.ChunkID, err)
	}
	return nil
}

// LoadChunk retrieves a single chunk.
func (s *PersistentStore) LoadChunk(bundleID model.BundleID, chunkID uint32) (*model.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT is_parity, block_id, k, r, checksum, payload
		FROM chunks WHERE bundle_id = ? AND chunk_id = ?`, bundleID.String(), chunkID)
	c := &model.Chunk{BundleID: bundleID, ChunkID: chunkID}
	var isParity int
	if err := row.Scan(&isParity, &c.BlockID, &c.K, &c.R, &c.Checksum, &c.Payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrChunkNotFound
		}
		return nil, fmt.Errorf("store: load chunk %s/%d: %w", bundleID, chunkID, err)
	}
	c.IsParity = isParity != 0
	return c, nil
}

// LoadChunks retrieves every chunk stored for a bundle, ordered by chunk_id.
func (s *PersistentStore) LoadChunks(bundleID model.BundleID) ([]model.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT chunk_id, is_parity, block_id, k, r, checksum, payload
		FROM chunks WHERE bundle_id = ? ORDER BY chunk_id`, bundleID.String())
	if err != nil {
		return nil, fmt.Errorf("store: load chunks for %s: %w", bundleID, err)
	}
	defer rows.Close()

	var out []model.Chunk
	for rows.Next() {
		c := model.Chunk{BundleID: bundleID}
		var isParity int
		if err := rows.Scan(&c.ChunkID, &isParity, &c.BlockID, &c.K, &c.R, &c.Checksum, &c.Payload); err != nil {
			return nil, fmt.Errorf("store: scan chunk: %w", err)
		}
		c.IsParity = isParity != 0
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteChunks removes every chunk stored for a bundle. No engine calls
// it; PurgeExpired drops expired bundles' chunks itself, and a DELIVERED
// bundle's chunks stay in the store.
func (s *PersistentStore) DeleteChunks(bundleID model.BundleID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM chunks WHERE bundle_id = ?`, bundleID.String()); err != nil {
		return fmt.Errorf("store: delete chunks for %s: %w", bundleID, err)
	}
	return nil
}

// SaveCustodyRecord persists rec, overwriting any existing row for the same
// (bundle_id, owner_node).
func (s *PersistentStore) SaveCustodyRecord(rec *model.CustodyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rangesJSON, err := json.Marshal(rec.Ranges)
	if err != nil {
		return fmt.Errorf("store: marshal custody ranges: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO custody
			(bundle_id, owner_node, upstream_node, upstream_addr, ranges_json,
			 deadline_at, acquired_at, retry_timer, retry_count, ack_nonce, state)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		rec.BundleID.String(), rec.OwnerNode, rec.Upstream.NodeID, rec.Upstream.Addr,
		string(rangesJSON), rec.Deadline, rec.AcquiredAt, rec.RetryTimer, rec.RetryCount, rec.AckNonce,
		rec.State.String(),
	)
	if err != nil {
		return fmt.Errorf("store: save custody record %s/%s: %w", rec.BundleID, rec.OwnerNode, err)
	}
	return nil
}

// DeleteCustodyRecord removes a single custody record.
func (s *PersistentStore) DeleteCustodyRecord(bundleID model.BundleID, ownerNode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM custody WHERE bundle_id = ? AND owner_node = ?`,
		bundleID.String(), ownerNode); err != nil {
		return fmt.Errorf("store: delete custody record %s/%s: %w", bundleID, ownerNode, err)
	}
	return nil
}

// LoadCustodyRecords implements load_custody_records(): every custody
// record not yet RELEASED or FAILED, for restart recovery.
func (s *PersistentStore) LoadCustodyRecords() ([]*model.CustodyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT bundle_id, owner_node, upstream_node, upstream_addr, ranges_json,
		       deadline_at, acquired_at, retry_timer, retry_count, ack_nonce, state
		FROM custody WHERE state IN (?, ?)`,
		model.CustodyHeld.String(), model.CustodyForwarding.String())
	if err != nil {
		return nil, fmt.Errorf("store: load custody records: %w", err)
	}
	defer rows.Close()

	var out []*model.CustodyRecord
	for rows.Next() {
		rec, err := scanCustodyRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanCustodyRow(rows *sql.Rows) (*model.CustodyRecord, error) {
	var idStr, rangesJSON, stateStr string
	rec := &model.CustodyRecord{}
	if err := rows.Scan(&idStr, &rec.OwnerNode, &rec.Upstream.NodeID, &rec.Upstream.Addr,
		&rangesJSON, &rec.Deadline, &rec.AcquiredAt, &rec.RetryTimer, &rec.RetryCount, &rec.AckNonce, &stateStr); err != nil {
		return nil, fmt.Errorf("store: scan custody record: %w", err)
	}
	id, err := model.ParseBundleID(idStr)
	if err != nil {
		return nil, fmt.Errorf("store: parse custody bundle id %q: %w", idStr, err)
	}
	rec.BundleID = id
	rec.State = model.ParseCustodyState(stateStr)
	if err := json.Unmarshal([]byte(rangesJSON), &rec.Ranges); err != nil {
		return nil, fmt.Errorf("store: unmarshal custody ranges: %w", err)
	}
	return rec, nil
}

// PurgeExpired implements purge_expired(now): every bundle whose TTL has
// elapsed and is not DELIVERED is marked EXPIRED and its chunk payloads are
// dropped; it returns the number of bundles purged.
func (s *PersistentStore) PurgeExpired(now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT bundle_id FROM bundles
		WHERE ttl < ? AND state NOT IN (?, ?)`,
		now, model.BundleDelivered.String(), model.BundleExpired.String())
	if err != nil {
		return 0, fmt.Errorf("store: query expired bundles: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("store: scan expired bundle id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, id := range ids {
		tx, err := s.db.Begin()
		if err != nil {
			return 0, fmt.Errorf("store: begin purge tx: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM chunks WHERE bundle_id = ?`, id); err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("store: purge chunks for %s: %w", id, err)
		}
		if _, err := tx.Exec(`UPDATE bundles SET state = ?, updated_at = ? WHERE bundle_id = ?`,
			model.BundleExpired.String(), now, id); err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("store: mark bundle expired %s: %w", id, err)
		}
		if err := tx.Commit(); err != nil {
			return 0, fmt.Errorf("store: commit purge tx: %w", err)
		}
	}
	return len(ids), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
