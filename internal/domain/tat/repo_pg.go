package tat

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/labtat/labtat/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type tatRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &tatRepoPG{pool: pool}
}

func (r *tatRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

// absentTimeOut matches a completion time that has not been recorded yet,
// including the legacy epoch sentinel.
const absentTimeOut = `(request_time_out IS NULL OR request_time_out = TIMESTAMP '1970-01-01 00:00:00')`

func (r *tatRepoPG) ExistingTestIDs(ctx context.Context) (map[uuid.UUID]struct{}, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT id FROM tests`)
	if err != nil {
		return nil, fmt.Errorf("select test ids: %w", err)
	}
	defer rows.Close()
	out := make(map[uuid.UUID]struct{})
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = struct{}{}
	}
	return out, rows.Err()
}

func (r *tatRepoPG) ExistingVisitIDs(ctx context.Context) (map[string]struct{}, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT lab_number FROM patients`)
	if err != nil {
		return nil, fmt.Errorf("select lab numbers: %w", err)
	}
	defer rows.Close()
	out := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = struct{}{}
	}
	return out, rows.Err()
}

// Workflow fields set outside this pipeline are kept on conflict.
const upsertTestSQL = `
	INSERT INTO tests (id, lab_number, test_name, lab_section, tat, price,
		time_received, test_time_expected, urgency, test_time_out,
		delay_status, time_range, correlation_key)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	ON CONFLICT (id) DO UPDATE SET
		lab_number = EXCLUDED.lab_number,
		test_name = EXCLUDED.test_name,
		lab_section = EXCLUDED.lab_section,
		tat = EXCLUDED.tat,
		price = EXCLUDED.price,
		time_received = COALESCE(tests.time_received, EXCLUDED.time_received),
		test_time_expected = EXCLUDED.test_time_expected,
		urgency = COALESCE(NULLIF(tests.urgency, ''), EXCLUDED.urgency),
		test_time_out = COALESCE(tests.test_time_out, EXCLUDED.test_time_out),
		delay_status = CASE WHEN tests.test_time_out IS NULL THEN EXCLUDED.delay_status ELSE tests.delay_status END,
		time_range = CASE WHEN tests.test_time_out IS NULL THEN EXCLUDED.time_range ELSE tests.time_range END,
		correlation_key = EXCLUDED.correlation_key,
		updated_at = NOW()`

func (r *tatRepoPG) UpsertTests(ctx context.Context, tests []TestRecord) (int, error) {
	b := &pgx.Batch{}
	for _, t := range tests {
		b.Queue(upsertTestSQL,
			t.ID, t.VisitID, t.TestName, t.LabSection, t.TAT, t.Price,
			nullTime(t.TimeReceived), t.TestTimeExpected, t.Urgency, nullTime(t.TestTimeOut),
			string(t.DelayStatus), t.TimeRange, t.CorrelationKey)
	}
	n, err := r.sendBatch(ctx, b)
	if err != nil {
		return n, fmt.Errorf("upsert tests: %w", err)
	}
	return n, nil
}

// A visit whose completion time is already stored is left untouched.
const upsertPatientSQL = `
	INSERT INTO patients (lab_number, client, date, shift, unit, time_in,
		daily_tat, request_time_expected, request_time_out, request_delay_status,
		request_time_range, progress, test_names, lab_sections, correlation_keys)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	ON CONFLICT (lab_number) DO UPDATE SET
		client = EXCLUDED.client,
		date = EXCLUDED.date,
		shift = EXCLUDED.shift,
		unit = EXCLUDED.unit,
		time_in = EXCLUDED.time_in,
		daily_tat = EXCLUDED.daily_tat,
		request_time_expected = EXCLUDED.request_time_expected,
		request_time_out = EXCLUDED.request_time_out,
		request_delay_status = EXCLUDED.request_delay_status,
		request_time_range = EXCLUDED.request_time_range,
		progress = EXCLUDED.progress,
		test_names = EXCLUDED.test_names,
		lab_sections = EXCLUDED.lab_sections,
		correlation_keys = EXCLUDED.correlation_keys,
		updated_at = NOW()
	WHERE patients.request_time_out IS NULL
		OR patients.request_time_out = TIMESTAMP '1970-01-01 00:00:00'`

func (r *tatRepoPG) UpsertPatients(ctx context.Context, patients []PatientAggregate) (int, error) {
	b := &pgx.Batch{}
	for _, p := range patients {
		b.Queue(upsertPatientSQL,
			p.VisitID, p.Client, p.Date, p.Shift, p.Unit, p.TimeIn,
			p.DailyTAT, p.RequestTimeExpected, nullTime(p.RequestTimeOut), string(p.DelayStatus),
			p.TimeRange, p.Progress, p.TestNames, p.LabSections, p.CorrelationKeys)
	}
	n, err := r.sendBatch(ctx, b)
	if err != nil {
		return n, fmt.Errorf("upsert patients: %w", err)
	}
	return n, nil
}

func (r *tatRepoPG) PendingVisits(ctx context.Context) ([]PendingVisit, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT lab_number, time_in, request_time_expected, correlation_keys
		FROM patients WHERE `+absentTimeOut+`
		ORDER BY lab_number`)
	if err != nil {
		return nil, fmt.Errorf("select pending visits: %w", err)
	}
	defer rows.Close()
	var out []PendingVisit
	for rows.Next() {
		var v PendingVisit
		if err := rows.Scan(&v.VisitID, &v.TimeIn, &v.RequestTimeExpected, &v.CorrelationKeys); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (r *tatRepoPG) ApplyCompletion(ctx context.Context, updates []CompletionUpdate) (int, error) {
	b := &pgx.Batch{}
	for _, u := range updates {
		b.Queue(`
			UPDATE patients SET request_time_out = $2, request_delay_status = $3,
				request_time_range = $4, progress = $5,
				correlation_keys = COALESCE($6, correlation_keys), updated_at = NOW()
			WHERE lab_number = $1 AND `+absentTimeOut,
			u.VisitID, u.RequestTimeOut, string(u.DelayStatus), u.TimeRange, u.Progress, nullKeys(u.CorrelationKeys))
	}
	n, err := r.sendBatch(ctx, b)
	if err != nil {
		return n, fmt.Errorf("apply completion times: %w", err)
	}
	return n, nil
}

func (r *tatRepoPG) UpdateVisitKeys(ctx context.Context, visits []PendingVisit) (int, error) {
	b := &pgx.Batch{}
	for _, v := range visits {
		b.Queue(`
			UPDATE patients SET correlation_keys = $2, updated_at = NOW()
			WHERE lab_number = $1 AND `+absentTimeOut,
			v.VisitID, v.CorrelationKeys)
	}
	n, err := r.sendBatch(ctx, b)
	if err != nil {
		return n, fmt.Errorf("update visit keys: %w", err)
	}
	return n, nil
}

// nullKeys maps an empty key list to NULL so COALESCE keeps the stored one.
func nullKeys(keys []string) any {
	if len(keys) == 0 {
		return nil
	}
	return keys
}

func (r *tatRepoPG) Analyze(ctx context.Context) error {
	for _, table := range []string{"patients", "tests"} {
		if _, err := r.conn(ctx).Exec(ctx, "ANALYZE "+table); err != nil {
			return fmt.Errorf("analyze %s: %w", table, err)
		}
	}
	return nil
}

// sendBatch runs b in the caller's transaction, or in a new one, and
// returns the number of rows affected.
func (r *tatRepoPG) sendBatch(ctx context.Context, b *pgx.Batch) (int, error) {
	if b.Len() == 0 {
		return 0, nil
	}
	run := func(tx pgx.Tx) (int, error) {
		br := tx.SendBatch(ctx, b)
		total := 0
		for i := 0; i < b.Len(); i++ {
			tag, err := br.Exec()
			if err != nil {
				br.Close()
				return 0, err
			}
			total += int(tag.RowsAffected())
		}
		return total, br.Close()
	}

	if tx := db.TxFromContext(ctx); tx != nil {
		return run(tx)
	}
	var n int
	err := db.InTx(ctx, r.pool, func(ctx context.Context) error {
		var err error
		n, err = run(db.TxFromContext(ctx))
		return err
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func nullTime(t *time.Time) *time.Time {
	if IsAbsent(t) {
		return nil
	}
	return t
}
