package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/openfroyo/fleetinstall/pkg/discovery"
	"github.com/openfroyo/fleetinstall/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const memoryPath = ":memory:"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

var _ Store = (*SQLiteStore)(nil)

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	BusyTimeout     time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	// Every connection to :memory: is a separate database.
	if cfg.Path == memoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// dsn builds the modernc DSN. Pragmas are applied to every new connection.
func (s *SQLiteStore) dsn() string {
	pragmas := []string{
		"_pragma=foreign_keys(1)",
		fmt.Sprintf("_pragma=busy_timeout(%d)", s.cfg.BusyTimeout.Milliseconds()),
	}
	if s.cfg.Path != memoryPath {
		pragmas = append(pragmas, "_pragma=journal_mode(WAL)", "_pragma=synchronous(NORMAL)", "_txlock=immediate")
	}
	return s.cfg.Path + "?" + strings.Join(pragmas, "&")
}

// Init opens the database connection.
func (s *SQLiteStore) Init(ctx context.Context) error {
	db, err := sql.Open("sqlite", s.dsn())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	// m is not closed: closing it would close s.db.
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Open creates, initializes and migrates a store in one call.
func Open(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	store, err := NewSQLiteStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

const runColumns = `id, artifact, artifact_path, args, staging_root, retries, delay_seconds,
	batch_size, status, rounds, succeeded, failed, skipped, success_percent,
	failure_file, error, started_at, completed_at, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	run := &Run{}
	err := row.Scan(
		&run.ID,
		&run.Artifact,
		&run.ArtifactPath,
		&run.Args,
		&run.StagingRoot,
		&run.Retries,
		&run.DelaySeconds,
		&run.BatchSize,
		&run.Status,
		&run.Rounds,
		&run.Succeeded,
		&run.Failed,
		&run.Skipped,
		&run.SuccessPercent,
		&run.FailureFile,
		&run.Error,
		&run.StartedAt,
		&run.CompletedAt,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	return run, err
}

// CreateRun creates a new run record
func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	now := time.Now()
	if run.Status == "" {
		run.Status = RunStatusRunning
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = now
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = run.CreatedAt

	query := `INSERT INTO runs (` + runColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.Artifact,
		run.ArtifactPath,
		run.Args,
		run.StagingRoot,
		run.Retries,
		run.DelaySeconds,
		run.BatchSize,
		run.Status,
		run.Rounds,
		run.Succeeded,
		run.Failed,
		run.Skipped,
		run.SuccessPercent,
		run.FailureFile,
		run.Error,
		run.StartedAt,
		run.CompletedAt,
		run.CreatedAt,
		run.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	return nil
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = ?`

	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// CompleteRun stores the final outcome of a run.
func (s *SQLiteStore) CompleteRun(ctx context.Context, outcome *engine.RunOutcome) error {
	if outcome == nil {
		return fmt.Errorf("outcome is nil")
	}

	var failureFile *string
	if outcome.FailureFile != "" {
		failureFile = &outcome.FailureFile
	}
	completedAt := outcome.CompletedAt
	if completedAt.IsZero() {
		completedAt = time.Now()
	}

	query := `
		UPDATE runs
		SET status = ?, rounds = ?, batch_size = ?, succeeded = ?, failed = ?, skipped = ?,
			success_percent = ?, failure_file = ?, completed_at = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		StatusFromState(outcome.State),
		outcome.Rounds,
		outcome.BatchSize,
		len(outcome.Succeeded),
		len(outcome.Failed),
		len(outcome.Skipped),
		outcome.SuccessPercent,
		failureFile,
		completedAt,
		time.Now(),
		outcome.RunID,
	)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}

	return expectOne(result, "run", outcome.RunID)
}

// AbortRun marks a run that never reached the scheduler.
func (s *SQLiteStore) AbortRun(ctx context.Context, id string, reason string) error {
	now := time.Now()
	query := `UPDATE runs SET status = ?, error = ?, completed_at = ?, updated_at = ? WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query, RunStatusAborted, reason, now, now, id)
	if err != nil {
		return fmt.Errorf("failed to abort run: %w", err)
	}

	return expectOne(result, "run", id)
}

// ListRuns lists runs, newest first, with pagination
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// DeleteRun deletes a run and, through the foreign keys, its attempts and events.
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}

	return expectOne(result, "run", id)
}

// RecordAttempt stores one host result.
func (s *SQLiteStore) RecordAttempt(ctx context.Context, runID string, result *engine.HostResult) error {
	if result == nil {
		return fmt.Errorf("host result is nil")
	}

	var exitCode *int
	if result.Kind == engine.ResultSucceeded || result.Kind == engine.ResultInstallFailed {
		code := result.ExitCode
		exitCode = &code
	}
	var reason, cleanupErr *string
	if r := result.Reason(); r != "" {
		reason = &r
	}
	if result.CleanupErr != nil {
		msg := result.CleanupErr.Error()
		cleanupErr = &msg
	}

	query := `
		INSERT INTO host_attempts (
			run_id, host, round, total_rounds, kind, exit_code, command,
			reason, cleanup_error, started_at, completed_at, duration_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		runID,
		result.Host.Name,
		result.Attempt.Round,
		result.Attempt.TotalRounds,
		string(result.Kind),
		exitCode,
		result.Command,
		reason,
		cleanupErr,
		result.StartedAt,
		result.CompletedAt,
		result.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to record attempt: %w", err)
	}

	return nil
}

// ListAttempts lists the attempts of a run in round order.
func (s *SQLiteStore) ListAttempts(ctx context.Context, runID string) ([]*HostAttempt, error) {
	query := `
		SELECT id, run_id, host, round, total_rounds, kind, exit_code, command,
			   reason, cleanup_error, started_at, completed_at, duration_ms
		FROM host_attempts
		WHERE run_id = ?
		ORDER BY round ASC, id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	defer rows.Close()

	attempts := []*HostAttempt{}
	for rows.Next() {
		a := &HostAttempt{}
		err := rows.Scan(
			&a.ID,
			&a.RunID,
			&a.Host,
			&a.Round,
			&a.TotalRounds,
			&a.Kind,
			&a.ExitCode,
			&a.Command,
			&a.Reason,
			&a.CleanupError,
			&a.StartedAt,
			&a.CompletedAt,
			&a.DurationMS,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		attempts = append(attempts, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attempts: %w", err)
	}

	return attempts, nil
}

// AppendEvent appends a new event to the log
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	query := `
		INSERT INTO events (event_id, run_id, host, type, level, message, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		event.EventID,
		event.RunID,
		event.Host,
		event.Type,
		event.Level,
		event.Message,
		event.Details,
		event.Timestamp,
	)

	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event ID: %w", err)
	}

	event.ID = id
	return nil
}

// GetEvents retrieves events in insertion order with optional filters and pagination
func (s *SQLiteStore) GetEvents(ctx context.Context, runID *string, level *EventLevel, limit, offset int) ([]*Event, error) {
	query := `
		SELECT id, event_id, run_id, host, type, level, message, details, timestamp
		FROM events
		WHERE (? IS NULL OR run_id = ?)
		  AND (? IS NULL OR level = ?)
		ORDER BY id ASC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, runID, runID, level, level, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		event := &Event{}
		err := rows.Scan(
			&event.ID,
			&event.EventID,
			&event.RunID,
			&event.Host,
			&event.Type,
			&event.Level,
			&event.Message,
			&event.Details,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// UpsertHost adds a host to the inventory or replaces its labels.
func (s *SQLiteStore) UpsertHost(ctx context.Context, host *InventoryHost) error {
	name := strings.TrimSpace(host.Name)
	if name == "" {
		return fmt.Errorf("host name is required")
	}
	labels := host.Labels
	if labels == nil {
		labels = map[string]string{}
	}
	data, err := json.Marshal(labels)
	if err != nil {
		return fmt.Errorf("failed to encode labels: %w", err)
	}

	now := time.Now()
	query := `
		INSERT INTO hosts (name, labels, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			labels = excluded.labels,
			updated_at = excluded.updated_at
	`

	if _, err := s.db.ExecContext(ctx, query, name, string(data), now, now); err != nil {
		return fmt.Errorf("failed to upsert host: %w", err)
	}

	return nil
}

// GetHost retrieves an inventory host by name, ignoring case.
func (s *SQLiteStore) GetHost(ctx context.Context, name string) (*InventoryHost, error) {
	query := `SELECT name, labels, created_at, updated_at FROM hosts WHERE name = ?`

	host, err := scanHost(s.db.QueryRowContext(ctx, query, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("host %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get host: %w", err)
	}

	return host, nil
}

// RemoveHost removes a host from the inventory.
func (s *SQLiteStore) RemoveHost(ctx context.Context, name string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM hosts WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("failed to remove host: %w", err)
	}

	return expectOne(result, "host", name)
}

// ListHosts lists the inventory sorted by name.
func (s *SQLiteStore) ListHosts(ctx context.Context) ([]*InventoryHost, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, labels, created_at, updated_at FROM hosts ORDER BY name COLLATE NOCASE`)
	if err != nil {
		return nil, fmt.Errorf("failed to list hosts: %w", err)
	}
	defer rows.Close()

	hosts := []*InventoryHost{}
	for rows.Next() {
		host, err := scanHost(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan host: %w", err)
		}
		hosts = append(hosts, host)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating hosts: %w", err)
	}

	return hosts, nil
}

// ListInventory implements discovery.InventoryLister. A host matches when
// it carries every given label with the given value.
func (s *SQLiteStore) ListInventory(ctx context.Context, labels map[string]string) ([]discovery.InventoryHost, error) {
	hosts, err := s.ListHosts(ctx)
	if err != nil {
		return nil, err
	}

	out := []discovery.InventoryHost{}
	for _, h := range hosts {
		if !matchLabels(h.Labels, labels) {
			continue
		}
		out = append(out, discovery.InventoryHost{Name: h.Name, Labels: h.Labels})
	}
	return out, nil
}

func matchLabels(have, want map[string]string) bool {
	for k, v := range want {
		if got, ok := have[k]; !ok || got != v {
			return false
		}
	}
	return true
}

func scanHost(row scanner) (*InventoryHost, error) {
	host := &InventoryHost{}
	var labels string
	if err := row.Scan(&host.Name, &labels, &host.CreatedAt, &host.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(labels), &host.Labels); err != nil {
		return nil, fmt.Errorf("failed to decode labels of %s: %w", host.Name, err)
	}
	if host.Labels == nil {
		host.Labels = map[string]string{}
	}
	return host, nil
}

// LabelString renders labels as sorted "k=v" pairs.
func LabelString(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+labels[k])
	}
	return strings.Join(pairs, ",")
}

func expectOne(result sql.Result, kind, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}
