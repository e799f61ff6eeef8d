// Package history keeps a local SQLite record of completed pipeline runs.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/georgysavva/scany/v2/sqlscan"
	"github.com/go-go-golems/deployctl/pkg/outcome"
	"github.com/pkg/errors"

	_ "modernc.org/sqlite"
)

type Entry struct {
	ID                   int64
	RunID                string
	Event                string
	Branch               string
	HeadSHA              string
	Services             []string
	ShouldDeploy         bool
	VersionInfo          string
	Outcomes             outcome.Set
	Ok                   bool
	ManualReconciliation []string
	StartedAt            time.Time
	FinishedAt           time.Time
}

func (e Entry) Duration() time.Duration { return e.FinishedAt.Sub(e.StartedAt) }

// row mirrors the runs table.
type row struct {
	ID                   int64  `db:"id"`
	RunID                string `db:"run_id"`
	Event                string `db:"event"`
	Branch               string `db:"branch"`
	HeadSHA              string `db:"head_sha"`
	Services             string `db:"services"`
	ShouldDeploy         bool   `db:"should_deploy"`
	VersionInfo          string `db:"version_info"`
	Outcomes             string `db:"outcomes"`
	Ok                   bool   `db:"ok"`
	ManualReconciliation string `db:"manual_reconciliation"`
	StartedAt            int64  `db:"started_at"`
	FinishedAt           int64  `db:"finished_at"`
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func (r row) entry() (Entry, error) {
	e := Entry{
		ID:                   r.ID,
		RunID:                r.RunID,
		Event:                r.Event,
		Branch:               r.Branch,
		HeadSHA:              r.HeadSHA,
		Services:             splitList(r.Services),
		ShouldDeploy:         r.ShouldDeploy,
		VersionInfo:          r.VersionInfo,
		Ok:                   r.Ok,
		ManualReconciliation: splitList(r.ManualReconciliation),
		StartedAt:            time.UnixMilli(r.StartedAt).UTC(),
		FinishedAt:           time.UnixMilli(r.FinishedAt).UTC(),
	}
	if err := json.Unmarshal([]byte(r.Outcomes), &e.Outcomes); err != nil {
		return Entry{}, errors.Wrapf(err, "run %s outcomes", r.RunID)
	}
	return e, nil
}

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open creates the database file if needed and applies migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "mkdir history dir")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open history db")
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "configure history db")
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return NewStore(db), nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Record(ctx context.Context, e Entry) (Entry, error) {
	outcomes, err := json.Marshal(e.Outcomes)
	if err != nil {
		return Entry{}, errors.Wrap(err, "marshal outcomes")
	}
	query := `insert into runs (
		run_id, event, branch, head_sha, services, should_deploy,
		version_info, outcomes, ok, manual_reconciliation, started_at, finished_at
	)
	values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	returning id`
	var id int64
	err = sqlscan.Get(ctx, s.db, &id, query,
		e.RunID, e.Event, e.Branch, e.HeadSHA, strings.Join(e.Services, ","), e.ShouldDeploy,
		e.VersionInfo, string(outcomes), e.Ok, strings.Join(e.ManualReconciliation, ","),
		e.StartedAt.UnixMilli(), e.FinishedAt.UnixMilli(),
	)
	if err != nil {
		return Entry{}, errors.Wrap(err, "insert run")
	}
	e.ID = id
	return e, nil
}

// Recent returns the latest runs, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []row
	query := "select * from runs order by started_at desc, id desc limit $1"
	if err := sqlscan.Select(ctx, s.db, &rows, query, limit); err != nil {
		return nil, errors.Wrap(err, "select runs")
	}
	return entries(rows)
}

// ByRunID returns every recorded attempt of a CI run id, oldest first.
func (s *Store) ByRunID(ctx context.Context, runID string) ([]Entry, error) {
	var rows []row
	query := "select * from runs where run_id = $1 order by id"
	if err := sqlscan.Select(ctx, s.db, &rows, query, runID); err != nil {
		return nil, errors.Wrap(err, "select runs")
	}
	return entries(rows)
}

func entries(rows []row) ([]Entry, error) {
	out := make([]Entry, 0, len(rows))
	for _, r := range rows {
		e, err := r.entry()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
