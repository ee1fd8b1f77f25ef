package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/example/home-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// DB exposes the handle for migrations and health checks.
func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Close() error { return p.db.Close() }

// Migrate runs a schema script such as migrations/001_init.sql.
func (p *PostgresStore) Migrate(ctx context.Context, script string) error {
	_, err := p.db.ExecContext(ctx, script)
	return err
}

const workerColumns = `id, category_id, availability, kyc_status, current_lat, current_lon, service_radius_km, last_location_update`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorker(row rowScanner) (*models.Worker, error) {
	var w models.Worker
	var lat, lon sql.NullFloat64
	var last sql.NullTime
	if err := row.Scan(&w.ID, &w.CategoryID, &w.Availability, &w.KYC, &lat, &lon, &w.ServiceRadiusKm, &last); err != nil {
		return nil, err
	}
	if lat.Valid && lon.Valid {
		w.CurrentLocation = &models.Coordinate{Lat: lat.Float64, Lon: lon.Float64}
	}
	if last.Valid {
		t := last.Time
		w.LastLocationUpdate = &t
	}
	return &w, nil
}

func (p *PostgresStore) CreateWorker(ctx context.Context, w *models.Worker) error {
	var lat, lon *float64
	if w.CurrentLocation != nil {
		lat, lon = &w.CurrentLocation.Lat, &w.CurrentLocation.Lon
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO workers (id, category_id, availability, kyc_status, current_lat, current_lon, service_radius_km, last_location_update)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		w.ID, w.CategoryID, string(w.Availability), string(w.KYC), lat, lon, w.ServiceRadiusKm, w.LastLocationUpdate,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("worker %s: %w", w.ID, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("insert worker: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetWorker(ctx context.Context, id string) (*models.Worker, error) {
	w, err := scanWorker(p.db.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return w, err
}

func (p *PostgresStore) SetOnline(ctx context.Context, workerID string) (*models.Worker, error) {
	w, err := scanWorker(p.db.QueryRowContext(ctx, `
		UPDATE workers
		SET availability = CASE WHEN availability = 'OFFLINE' THEN 'AVAILABLE' ELSE availability END
		WHERE id = $1
		RETURNING `+workerColumns, workerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return w, err
}

func (p *PostgresStore) MarkOffline(ctx context.Context, workerID string) (*models.Worker, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	w, err := scanWorker(tx.QueryRowContext(ctx, `
		UPDATE workers SET availability = 'OFFLINE' WHERE id = $1
		RETURNING `+workerColumns, workerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE worker_locations SET is_online = FALSE
		WHERE id = (SELECT id FROM worker_locations WHERE worker_id = $1 ORDER BY recorded_at DESC LIMIT 1)`,
		workerID); err != nil {
		return nil, fmt.Errorf("flag latest sample: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return w, nil
}

func (p *PostgresStore) ListEligibleWorkers(ctx context.Context, categoryID string, exclude []string) ([]models.Worker, error) {
	if exclude == nil {
		exclude = []string{}
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+workerColumns+`
		FROM workers w
		WHERE w.category_id = $1
		  AND w.availability = 'AVAILABLE'
		  AND w.kyc_status = 'APPROVED'
		  AND NOT (w.id = ANY($2))
		  AND NOT EXISTS (
		      SELECT 1 FROM requests r
		      WHERE r.assigned_worker_id = w.id AND r.status = ANY($3)
		  )
		ORDER BY w.id`,
		categoryID, pq.Array(exclude), pq.Array(statusStrings(models.HoldingStatuses)),
	)
	if err != nil {
		return nil, fmt.Errorf("list eligible workers: %w", err)
	}
	defer rows.Close()

	out := make([]models.Worker, 0)
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

const requestColumns = `id, customer_id, services, category_id, pickup_lat, pickup_lon, status, assigned_worker_id, rejected_worker_ids, version, created_at, updated_at`

func scanRequest(row rowScanner) (*models.Request, error) {
	var r models.Request
	var services []byte
	var lat, lon sql.NullFloat64
	var assigned sql.NullString
	var rejected pq.StringArray
	if err := row.Scan(&r.ID, &r.CustomerID, &services, &r.CategoryID, &lat, &lon, &r.Status, &assigned, &rejected, &r.Version, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	if len(services) > 0 {
		if err := json.Unmarshal(services, &r.Services); err != nil {
			return nil, fmt.Errorf("decode services: %w", err)
		}
	}
	if lat.Valid && lon.Valid {
		r.Pickup = &models.Coordinate{Lat: lat.Float64, Lon: lon.Float64}
	}
	if assigned.Valid {
		v := assigned.String
		r.AssignedWorkerID = &v
	}
	if len(rejected) > 0 {
		r.RejectedWorkerIDs = []string(rejected)
	}
	return &r, nil
}

func (p *PostgresStore) CreateRequest(ctx context.Context, r *models.Request) error {
	services, err := json.Marshal(r.Services)
	if err != nil {
		return err
	}
	var lat, lon *float64
	if r.Pickup != nil {
		lat, lon = &r.Pickup.Lat, &r.Pickup.Lon
	}
	rejected := r.RejectedWorkerIDs
	if rejected == nil {
		rejected = []string{}
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO requests (id, customer_id, services, category_id, pickup_lat, pickup_lon, status, assigned_worker_id, rejected_worker_ids, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		r.ID, r.CustomerID, string(services), r.CategoryID, lat, lon, string(r.Status), r.AssignedWorkerID, pq.Array(rejected), r.Version, r.CreatedAt, r.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("request %s: %w", r.ID, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("insert request: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetRequest(ctx context.Context, id string) (*models.Request, error) {
	r, err := scanRequest(p.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (p *PostgresStore) ApplyTransition(ctx context.Context, t Transition) (*models.Request, error) {
	at := t.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	// Worker row lock comes first so concurrent accepts for one worker serialize here.
	var availability models.Availability
	lockWorker := t.Effect != WorkerUnchanged && t.WorkerID != ""
	if lockWorker {
		err := tx.QueryRowContext(ctx, `SELECT availability FROM workers WHERE id = $1 FOR UPDATE`, t.WorkerID).Scan(&availability)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("lock worker: %w", err)
		}
		if t.Effect == WorkerReserve || t.Effect == WorkerClaim {
			if availability != models.AvailabilityAvailable {
				return nil, ErrWorkerBusy
			}
			// An open offer elsewhere blocks a new offer but not the acceptance of one.
			held := models.ActiveStatuses
			if t.Effect == WorkerReserve {
				held = models.HoldingStatuses
			}
			busy, err := hasHoldingRequest(ctx, tx, t.WorkerID, t.RequestID, held)
			if err != nil {
				return nil, err
			}
			if busy {
				return nil, ErrWorkerBusy
			}
		}
	}

	r, err := scanRequest(tx.QueryRowContext(ctx, `
		UPDATE requests
		SET status = $1,
		    version = version + 1,
		    assigned_worker_id = $2,
		    rejected_worker_ids = CASE
		        WHEN $3 = '' OR $3 = ANY(rejected_worker_ids) THEN rejected_worker_ids
		        ELSE array_append(rejected_worker_ids, $3)
		    END,
		    updated_at = $4
		WHERE id = $5 AND status = $6 AND version = $7
		RETURNING `+requestColumns,
		string(t.ToStatus), t.AssignedWorkerID, t.RejectWorkerID, at, t.RequestID, string(t.FromStatus), t.FromVersion,
	))
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM requests WHERE id = $1)`, t.RequestID).Scan(&exists); err != nil {
			return nil, err
		}
		if !exists {
			return nil, ErrNotFound
		}
		return nil, ErrStaleState
	}
	if err != nil {
		return nil, fmt.Errorf("update request: %w", err)
	}

	if lockWorker {
		switch t.Effect {
		case WorkerClaim:
			if _, err := tx.ExecContext(ctx, `UPDATE workers SET availability = 'BUSY' WHERE id = $1`, t.WorkerID); err != nil {
				return nil, fmt.Errorf("claim worker: %w", err)
			}
		case WorkerRelease:
			if availability == models.AvailabilityBusy {
				busy, err := hasHoldingRequest(ctx, tx, t.WorkerID, t.RequestID, models.ActiveStatuses)
				if err != nil {
					return nil, err
				}
				if !busy {
					if _, err := tx.ExecContext(ctx, `UPDATE workers SET availability = 'AVAILABLE' WHERE id = $1`, t.WorkerID); err != nil {
						return nil, fmt.Errorf("release worker: %w", err)
					}
				}
			}
		}
	}

	e := t.Activity
	if e.CreatedAt.IsZero() {
		e.CreatedAt = at
	}
	if err := insertActivity(ctx, tx, &e); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return r, nil
}

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func hasHoldingRequest(ctx context.Context, q execQuerier, workerID, skipRequestID string, statuses []models.Status) (bool, error) {
	var exists bool
	err := q.QueryRowContext(ctx, `
		SELECT EXISTS (
		    SELECT 1 FROM requests
		    WHERE assigned_worker_id = $1 AND id <> $2 AND status = ANY($3)
		)`, workerID, skipRequestID, pq.Array(statusStrings(statuses))).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("held request check: %w", err)
	}
	return exists, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func (p *PostgresStore) RecordLocation(ctx context.Context, s *models.LocationSample) (bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE workers SET current_lat = $1, current_lon = $2, last_location_update = $3
		WHERE id = $4 AND (last_location_update IS NULL OR last_location_update <= $3)`,
		s.Coordinate.Lat, s.Coordinate.Lon, s.RecordedAt, s.WorkerID)
	if err != nil {
		return false, fmt.Errorf("update worker location: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update worker location: %w", err)
	}
	current := n > 0
	if !current {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM workers WHERE id = $1)`, s.WorkerID).Scan(&exists); err != nil {
			return false, fmt.Errorf("worker lookup: %w", err)
		}
		if !exists {
			return false, ErrNotFound
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO worker_locations (id, worker_id, lat, lon, accuracy, request_id, is_online, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		s.ID, s.WorkerID, s.Coordinate.Lat, s.Coordinate.Lon, s.Accuracy, s.RequestID, s.IsOnline, s.RecordedAt); err != nil {
		return false, fmt.Errorf("insert location sample: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return current, nil
}

func (p *PostgresStore) LocationHistory(ctx context.Context, workerID string, q HistoryRange) ([]models.LocationSample, error) {
	query := `SELECT id, worker_id, lat, lon, accuracy, request_id, is_online, recorded_at FROM worker_locations WHERE worker_id = $1`
	args := []any{workerID}
	if q.Start != nil {
		args = append(args, *q.Start)
		query += fmt.Sprintf(" AND recorded_at >= $%d", len(args))
	}
	if q.End != nil {
		args = append(args, *q.End)
		query += fmt.Sprintf(" AND recorded_at <= $%d", len(args))
	}
	query += " ORDER BY recorded_at DESC"
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	out := make([]models.LocationSample, 0)
	for rows.Next() {
		var s models.LocationSample
		var acc sql.NullFloat64
		var reqID sql.NullString
		if err := rows.Scan(&s.ID, &s.WorkerID, &s.Coordinate.Lat, &s.Coordinate.Lon, &acc, &reqID, &s.IsOnline, &s.RecordedAt); err != nil {
			return nil, err
		}
		if acc.Valid {
			v := acc.Float64
			s.Accuracy = &v
		}
		if reqID.Valid {
			v := reqID.String
			s.RequestID = &v
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *PostgresStore) AppendActivity(ctx context.Context, e *models.ActivityEntry) error {
	return insertActivity(ctx, p.db, e)
}

func insertActivity(ctx context.Context, q execQuerier, e *models.ActivityEntry) error {
	var prev, next *string
	if e.PreviousStatus != nil {
		v := string(*e.PreviousStatus)
		prev = &v
	}
	if e.NewStatus != nil {
		v := string(*e.NewStatus)
		next = &v
	}
	var lat, lon *float64
	if e.Location != nil {
		lat, lon = &e.Location.Lat, &e.Location.Lon
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO activity_log (id, request_id, actor_type, actor_id, action, previous_status, new_status, lat, lon, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.ID, e.RequestID, string(e.ActorType), e.ActorID, e.Action, prev, next, lat, lon, e.Detail, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

func (p *PostgresStore) QueryActivity(ctx context.Context, q ActivityQuery) ([]models.ActivityEntry, int, error) {
	var conditions []string
	var args []any
	if q.RequestID != "" {
		args = append(args, q.RequestID)
		conditions = append(conditions, fmt.Sprintf("request_id = $%d", len(args)))
	}
	if q.ActorType != "" {
		args = append(args, string(q.ActorType))
		conditions = append(conditions, fmt.Sprintf("actor_type = $%d", len(args)))
	}
	if q.Action != "" {
		args = append(args, q.Action)
		conditions = append(conditions, fmt.Sprintf("action = $%d", len(args)))
	}
	if q.From != nil {
		args = append(args, *q.From)
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if q.To != nil {
		args = append(args, *q.To)
		conditions = append(conditions, fmt.Sprintf("created_at <= $%d", len(args)))
	}
	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM activity_log`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count activity: %w", err)
	}

	query := `SELECT id, request_id, actor_type, actor_id, action, previous_status, new_status, lat, lon, detail, created_at FROM activity_log` +
		where + " ORDER BY created_at ASC, id ASC"
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if q.Offset > 0 {
		args = append(args, q.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query activity: %w", err)
	}
	defer rows.Close()

	out := make([]models.ActivityEntry, 0)
	for rows.Next() {
		var e models.ActivityEntry
		var prev, next sql.NullString
		var lat, lon sql.NullFloat64
		if err := rows.Scan(&e.ID, &e.RequestID, &e.ActorType, &e.ActorID, &e.Action, &prev, &next, &lat, &lon, &e.Detail, &e.CreatedAt); err != nil {
			return nil, 0, err
		}
		if prev.Valid {
			s := models.Status(prev.String)
			e.PreviousStatus = &s
		}
		if next.Valid {
			s := models.Status(next.String)
			e.NewStatus = &s
		}
		if lat.Valid && lon.Valid {
			e.Location = &models.Coordinate{Lat: lat.Float64, Lon: lon.Float64}
		}
		out = append(out, e)
	}
	return out, total, rows.Err()
}
