package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/example/service-matching/internal/models"
)

// Archiver receives request snapshots that leave process memory.
type Archiver interface {
	Archive(ctx context.Context, r models.ServiceRequest) error
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// PostgresArchive upserts request snapshots into the service_requests table.
type PostgresArchive struct {
	db     execer
	ping   func(context.Context) error
	closer func() error
}

func NewPostgresArchive(dsn string) (*PostgresArchive, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresArchive{db: db, ping: db.PingContext, closer: db.Close}, nil
}

func newPostgresArchiveWith(db execer) *PostgresArchive {
	return &PostgresArchive{db: db}
}

const upsertRequest = `INSERT INTO service_requests(
	id, customer_id, customer_name, service_type, lat, lon, description, budget_max,
	status, accepted_worker_id, rating, comment, bids, created_at, updated_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
ON CONFLICT (id) DO UPDATE SET
	status = EXCLUDED.status,
	accepted_worker_id = EXCLUDED.accepted_worker_id,
	rating = EXCLUDED.rating,
	comment = EXCLUDED.comment,
	bids = EXCLUDED.bids,
	updated_at = EXCLUDED.updated_at
WHERE service_requests.updated_at <= EXCLUDED.updated_at`

// Archive writes r, keeping whichever snapshot is newer when one exists.
func (p *PostgresArchive) Archive(ctx context.Context, r models.ServiceRequest) error {
	if r.Bids == nil {
		r.Bids = []models.Bid{}
	}
	bids, err := json.Marshal(r.Bids)
	if err != nil {
		return fmt.Errorf("encode bids: %w", err)
	}
	var accepted sql.NullString
	if r.AcceptedWorkerID != "" {
		accepted = sql.NullString{String: r.AcceptedWorkerID, Valid: true}
	}
	var rating sql.NullInt64
	if r.Rating != nil {
		rating = sql.NullInt64{Int64: int64(*r.Rating), Valid: true}
	}
	var budget sql.NullFloat64
	if r.BudgetMax != nil {
		budget = sql.NullFloat64{Float64: *r.BudgetMax, Valid: true}
	}
	_, err = p.db.ExecContext(ctx, upsertRequest,
		r.ID, r.CustomerID, r.CustomerName, r.ServiceType, r.Location.Lat, r.Location.Lon, r.Description, budget,
		string(r.Status), accepted, rating, r.Comment, string(bids), r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("archive request %s: %w", r.ID, err)
	}
	return nil
}

// Migrate runs a schema script. Scripts must be idempotent.
func (p *PostgresArchive) Migrate(ctx context.Context, script string) error {
	if _, err := p.db.ExecContext(ctx, script); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Ping reports whether the database is reachable.
func (p *PostgresArchive) Ping(ctx context.Context) error {
	if p.ping == nil {
		return nil
	}
	return p.ping(ctx)
}

func (p *PostgresArchive) Close() error {
	if p.closer == nil {
		return nil
	}
	return p.closer()
}
