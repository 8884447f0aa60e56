package core

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/process"
	_ "modernc.org/sqlite"
)

// Store is the client's SQLite state, shared by every client process on
// the machine: host backoff windows, slot leases and job history.
type Store struct {
	db *sql.DB
	// Policy sizes backoff windows recorded through MarkFailed.
	Policy BackoffPolicy
	// LeaseTTL expires leases whose holder did not release them even if
	// a process with the same pid is alive.
	LeaseTTL time.Duration

	pid   int
	alive func(pid int) bool
}

//go:embed migrations/*.sql
var migrationFS embed.FS

// NewStore opens or creates the database at path. ":memory:" gives a
// private database.
func NewStore(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("mkdir state dir: %w", err)
		}
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	s := &Store{
		db:       db,
		Policy:   DefaultBackoffPolicy(),
		LeaseTTL: time.Hour,
		pid:      os.Getpid(),
		alive:    pidAlive,
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error { return s.db.Close() }

func pidAlive(pid int) bool {
	ok, err := process.PidExists(int32(pid))
	return err != nil || ok
}

// BackedOff implements Backoff.
func (s *Store) BackedOff(key string, now time.Time) bool {
	if !s.Policy.Enabled() {
		return false
	}
	var until int64
	err := s.db.QueryRow(`SELECT until_ms FROM host_backoff WHERE host = ?`, key).Scan(&until)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false
	case err != nil:
		log.Warn().Err(err).Str("host", key).Msg("Reading backoff state failed")
		return false
	}
	return now.UnixMilli() < until
}

// MarkFailed implements Backoff.
func (s *Store) MarkFailed(key string, now time.Time, cause error) time.Duration {
	if !s.Policy.Enabled() {
		return 0
	}
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	var failures int
	err := s.db.QueryRow(`INSERT INTO host_backoff (host, failures, until_ms, last_error) VALUES (?, 1, 0, ?)
		ON CONFLICT (host) DO UPDATE SET failures = failures + 1, last_error = excluded.last_error
		RETURNING failures`, key, reason).Scan(&failures)
	if err != nil {
		log.Warn().Err(err).Str("host", key).Msg("Recording host failure failed")
		return 0
	}
	d := s.Policy.Delay(failures)
	if _, err := s.db.Exec(`UPDATE host_backoff SET until_ms = ? WHERE host = ?`, now.Add(d).UnixMilli(), key); err != nil {
		log.Warn().Err(err).Str("host", key).Msg("Recording backoff window failed")
	}
	return d
}

// Clear implements Backoff.
func (s *Store) Clear(key string) {
	if _, err := s.db.Exec(`DELETE FROM host_backoff WHERE host = ?`, key); err != nil {
		log.Warn().Err(err).Str("host", key).Msg("Clearing backoff failed")
	}
}

// BackoffEntry is one row of host backoff state.
type BackoffEntry struct {
	Host      string
	Failures  int
	Until     time.Time
	LastError string
}

// BackoffEntries lists every host with recorded failures.
func (s *Store) BackoffEntries(ctx context.Context) ([]BackoffEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT host, failures, until_ms, last_error FROM host_backoff ORDER BY host`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []BackoffEntry
	for rows.Next() {
		var e BackoffEntry
		var until int64
		if err := rows.Scan(&e.Host, &e.Failures, &until, &e.LastError); err != nil {
			return nil, err
		}
		e.Until = time.UnixMilli(until)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Lease implements Leaser. Leases held by processes that no longer exist
// are reclaimed first.
func (s *Store) Lease(ctx context.Context, key string, slots int) (func(), bool, error) {
	if err := s.reapLeases(ctx, key); err != nil {
		return nil, false, fmt.Errorf("reap leases: %w", err)
	}
	var slot int
	err := s.db.QueryRowContext(ctx, `WITH RECURSIVE seq(n) AS (SELECT 0 UNION ALL SELECT n + 1 FROM seq WHERE n + 1 < ?)
		INSERT INTO slot_leases (pool_key, slot, pid, acquired_ms)
		SELECT ?, n, ?, ? FROM seq WHERE n NOT IN (SELECT slot FROM slot_leases WHERE pool_key = ?)
		ORDER BY n LIMIT 1
		RETURNING slot`, slots, key, s.pid, time.Now().UnixMilli(), key).Scan(&slot)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, false, nil
	case err != nil:
		return nil, false, fmt.Errorf("take lease: %w", err)
	}
	release := func() {
		if _, err := s.db.Exec(`DELETE FROM slot_leases WHERE pool_key = ? AND slot = ? AND pid = ?`, key, slot, s.pid); err != nil {
			log.Warn().Err(err).Str("lease", key).Int("slot", slot).Msg("Releasing lease failed")
		}
	}
	return release, true, nil
}

type leaseRow struct {
	slot, pid int
	acquired  int64
}

func (s *Store) reapLeases(ctx context.Context, key string) error {
	rows, err := s.db.QueryContext(ctx, `SELECT slot, pid, acquired_ms FROM slot_leases WHERE pool_key = ?`, key)
	if err != nil {
		return err
	}
	var held []leaseRow
	for rows.Next() {
		var l leaseRow
		if err := rows.Scan(&l.slot, &l.pid, &l.acquired); err != nil {
			rows.Close()
			return err
		}
		held = append(held, l)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	cutoff := time.Now().Add(-s.LeaseTTL).UnixMilli()
	for _, l := range held {
		if (s.LeaseTTL <= 0 || l.acquired > cutoff) && s.alive(l.pid) {
			continue
		}
		log.Debug().Str("lease", key).Int("slot", l.slot).Int("pid", l.pid).Msg("Reclaiming stale lease")
		if _, err := s.db.ExecContext(ctx, `DELETE FROM slot_leases WHERE pool_key = ? AND slot = ? AND pid = ?`, key, l.slot, l.pid); err != nil {
			return err
		}
	}
	return nil
}

// Job outcomes recorded in history.
const (
	OutcomeRemote       = "remote"
	OutcomeRemoteFailed = "remote-failed"
	OutcomeLocal        = "local"
	OutcomeFallback     = "fallback"
	OutcomeError        = "error"
)

// JobRecord is one compile in the history.
type JobRecord struct {
	ID            string
	Started       time.Time
	Host          string
	Compiler      string
	Input         string
	Outcome       string
	Status        int
	BytesSent     int64
	BytesReceived int64
	Duration      time.Duration
	Reason        string
}

// RecordJob appends r to the history.
func (s *Store) RecordJob(ctx context.Context, r JobRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO job_history
		(id, started_ms, host, compiler, input, outcome, status, bytes_sent, bytes_received, duration_ms, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Started.UnixMilli(), r.Host, r.Compiler, r.Input, r.Outcome, r.Status,
		r.BytesSent, r.BytesReceived, r.Duration.Milliseconds(), r.Reason)
	if err != nil {
		return fmt.Errorf("record job: %w", err)
	}
	return nil
}

// RecentJobs returns up to limit jobs, newest first.
func (s *Store) RecentJobs(ctx context.Context, limit int) ([]JobRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, started_ms, host, compiler, input, outcome, status,
		bytes_sent, bytes_received, duration_ms, reason
		FROM job_history ORDER BY started_ms DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []JobRecord
	for rows.Next() {
		var r JobRecord
		var started, dur int64
		if err := rows.Scan(&r.ID, &started, &r.Host, &r.Compiler, &r.Input, &r.Outcome, &r.Status,
			&r.BytesSent, &r.BytesReceived, &dur, &r.Reason); err != nil {
			return nil, err
		}
		r.Started = time.UnixMilli(started)
		r.Duration = time.Duration(dur) * time.Millisecond
		out = append(out, r)
	}
	return out, rows.Err()
}

// HostStats summarizes history for one host.
type HostStats struct {
	Host          string
	Jobs          int
	Remote        int
	RemoteFailed  int
	Fallbacks     int
	BytesSent     int64
	BytesReceived int64
	MeanDuration  time.Duration
}

// Stats aggregates history since the given time per host.
func (s *Store) Stats(ctx context.Context, since time.Time) ([]HostStats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT host, COUNT(*),
		SUM(outcome = 'remote'), SUM(outcome = 'remote-failed'), SUM(outcome = 'fallback'),
		SUM(bytes_sent), SUM(bytes_received), CAST(AVG(duration_ms) AS INTEGER)
		FROM job_history WHERE started_ms >= ? GROUP BY host ORDER BY host`, since.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []HostStats
	for rows.Next() {
		var h HostStats
		var mean int64
		if err := rows.Scan(&h.Host, &h.Jobs, &h.Remote, &h.RemoteFailed, &h.Fallbacks,
			&h.BytesSent, &h.BytesReceived, &mean); err != nil {
			return nil, err
		}
		h.MeanDuration = time.Duration(mean) * time.Millisecond
		out = append(out, h)
	}
	return out, rows.Err()
}

// PruneHistory deletes jobs started before the given time.
func (s *Store) PruneHistory(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM job_history WHERE started_ms < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
