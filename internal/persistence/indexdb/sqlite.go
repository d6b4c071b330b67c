// Package indexdb keeps a queryable SQLite index next to the JSONL logs and
// snapshot files: blueprint versions, audits and snapshot metadata.
package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"appworld.ai/internal/persistence/snapshot"
	"appworld.ai/internal/protocol"
	"appworld.ai/internal/sim/blueprint"
	"appworld.ai/internal/sim/tuning"
	"appworld.ai/internal/sim/world"
)

type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed  atomic.Bool
	dropped atomic.Uint64
}

type reqKind int

const (
	reqAudit reqKind = iota + 1
	reqSnapshot
	reqBlueprint
)

type req struct {
	kind reqKind

	audit     world.AuditEntry
	snapshot  snapshotRow
	blueprint blueprint.Blueprint
}

type snapshotRow struct {
	Tick       uint64
	WorldID    string
	Path       string
	Bytes      int64
	Blueprints int
	Apps       int
	Players    int
	Chat       int
}

// SnapshotRow is one recorded snapshot file.
type SnapshotRow struct {
	Tick    uint64
	WorldID string
	Path    string
	Bytes   int64
	Apps    int
	Players int
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, 65536),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS blueprints (
			id TEXT NOT NULL,
			version INTEGER NOT NULL,
			digest TEXT NOT NULL,
			json TEXT NOT NULL,
			recorded_at TEXT NOT NULL,
			PRIMARY KEY (id, version)
		);`,
		`CREATE TABLE IF NOT EXISTS audits (
			tick INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			entity_id TEXT NOT NULL,
			action TEXT NOT NULL,
			generation INTEGER NOT NULL,
			mode TEXT,
			blueprint TEXT,
			version INTEGER NOT NULL,
			reason TEXT,
			raw_json TEXT NOT NULL,
			PRIMARY KEY (tick, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_audits_entity_tick ON audits(entity_id, tick);`,
		`CREATE INDEX IF NOT EXISTS idx_audits_action_tick ON audits(action, tick);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			tick INTEGER PRIMARY KEY,
			world_id TEXT NOT NULL,
			path TEXT NOT NULL,
			bytes INTEGER NOT NULL,
			blueprints INTEGER NOT NULL,
			apps INTEGER NOT NULL,
			players INTEGER NOT NULL,
			chat INTEGER NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// Close drains pending writes.
func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// Dropped counts writes lost because the writer fell behind.
func (s *SQLiteIndex) Dropped() uint64 { return s.dropped.Load() }

func (s *SQLiteIndex) enqueue(r req) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- r:
	default:
		// JSONL logs and snapshot files remain the source of truth.
		s.dropped.Add(1)
	}
}

func (s *SQLiteIndex) WriteAudit(entry world.AuditEntry) error {
	s.enqueue(req{kind: reqAudit, audit: entry})
	return nil
}

// RecordBlueprint stores one blueprint version. Re-recording a version is a no-op.
func (s *SQLiteIndex) RecordBlueprint(bp blueprint.Blueprint) {
	s.enqueue(req{kind: reqBlueprint, blueprint: bp})
}

// RecordSnapshot indexes a written snapshot file and every blueprint version
// it carries.
func (s *SQLiteIndex) RecordSnapshot(path string, size int64, snap snapshot.SnapshotV1) {
	r := snapshotRow{
		Tick:       snap.Header.Tick,
		WorldID:    snap.Header.WorldID,
		Path:       path,
		Bytes:      size,
		Blueprints: len(snap.World.Blueprints),
		Chat:       len(snap.World.Chat),
	}
	for _, e := range snap.World.Entities {
		switch e.Type {
		case protocol.EntityTypeApp:
			r.Apps++
		case protocol.EntityTypePlayer:
			r.Players++
		}
	}
	s.enqueue(req{kind: reqSnapshot, snapshot: r})
	for _, d := range snap.World.Blueprints {
		s.RecordBlueprint(blueprint.FromData(d))
	}
}

// UpsertTuning stores the tuning values actually applied.
func (s *SQLiteIndex) UpsertTuning(tune tuning.Tuning) error {
	if s == nil {
		return nil
	}
	b, err := json.Marshal(tune)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(b)

	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO meta(key,value) VALUES(?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, kv := range [][2]string{
		{"schema_version", "1"},
		{"protocol_version", tune.ProtocolVersion},
		{"tuning", string(b)},
		{"tuning_digest", hex.EncodeToString(sum[:])},
	} {
		if _, err := stmt.Exec(kv[0], kv[1]); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// LoadBlueprints returns the newest recorded version of every blueprint.
// Pending writes are not visible until they are committed.
func (s *SQLiteIndex) LoadBlueprints(ctx context.Context) ([]blueprint.Blueprint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT b.json FROM blueprints b
		JOIN (SELECT id, MAX(version) AS version FROM blueprints GROUP BY id) m
		ON b.id = m.id AND b.version = m.version
		ORDER BY b.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []blueprint.Blueprint
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var bp blueprint.Blueprint
		if err := json.Unmarshal([]byte(raw), &bp); err != nil {
			return nil, fmt.Errorf("blueprint row: %w", err)
		}
		out = append(out, bp)
	}
	return out, rows.Err()
}

// Audits returns the audit trail of one entity in tick order.
func (s *SQLiteIndex) Audits(ctx context.Context, entityID string) ([]world.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT raw_json FROM audits WHERE entity_id = ? ORDER BY tick, seq`, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []world.AuditEntry
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var e world.AuditEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("audit row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) Snapshots(ctx context.Context) ([]SnapshotRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tick, world_id, path, bytes, apps, players FROM snapshots ORDER BY tick`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SnapshotRow
	for rows.Next() {
		var r SnapshotRow
		var tick int64
		if err := rows.Scan(&tick, &r.WorldID, &r.Path, &r.Bytes, &r.Apps, &r.Players); err != nil {
			return nil, err
		}
		r.Tick = uint64(tick)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertAudit, _ := s.db.Prepare(`INSERT OR REPLACE INTO audits(tick,seq,entity_id,action,generation,mode,blueprint,version,reason,raw_json) VALUES(?,?,?,?,?,?,?,?,?,?)`)
	insertSnapshot, _ := s.db.Prepare(`INSERT OR REPLACE INTO snapshots(tick,world_id,path,bytes,blueprints,apps,players,chat) VALUES(?,?,?,?,?,?,?,?)`)
	insertBlueprint, _ := s.db.Prepare(`INSERT OR IGNORE INTO blueprints(id,version,digest,json,recorded_at) VALUES(?,?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertAudit, insertSnapshot, insertBlueprint} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second

		lastAuditTick uint64
		auditSeq      int
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	exec := func(st *sql.Stmt, args ...any) {
		if st == nil {
			return
		}
		if _, err := tx.Stmt(st).Exec(args...); err != nil {
			rollback()
			return
		}
		opCount++
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqAudit:
			a := r.audit
			if a.Tick != lastAuditTick {
				lastAuditTick = a.Tick
				auditSeq = 0
			}
			seq := auditSeq
			auditSeq++
			raw, _ := json.Marshal(a)
			exec(insertAudit, int64(a.Tick), seq, a.EntityID, a.Action, int64(a.Generation), a.Mode, a.Blueprint, a.Version, a.Reason, string(raw))

		case reqSnapshot:
			sn := r.snapshot
			exec(insertSnapshot, int64(sn.Tick), sn.WorldID, sn.Path, sn.Bytes, sn.Blueprints, sn.Apps, sn.Players, sn.Chat)

		case reqBlueprint:
			bp := r.blueprint
			raw, _ := json.Marshal(bp)
			sum := sha256.Sum256(raw)
			exec(insertBlueprint, bp.ID, bp.Version, hex.EncodeToString(sum[:]), string(raw), time.Now().UTC().Format(time.RFC3339Nano))
		}
		if tx != nil && (opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait) {
			commit()
		}
	}

	commit()
}
