package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/ddt-extractor/constants"
	"github.com/joseph-ayodele/ddt-extractor/internal/common"
	"github.com/joseph-ayodele/ddt-extractor/internal/entity"
)

type sampleRepository struct {
	db     *sql.DB
	b      *entsql.DialectBuilder
	logger *slog.Logger
	now    func() time.Time
}

// NewSampleRepository returns a SampleRepository over db.
func NewSampleRepository(db *DB, logger *slog.Logger) SampleRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &sampleRepository{
		db:     db.SQL,
		b:      entsql.Dialect(db.Dialect),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (r *sampleRepository) Create(ctx context.Context, in entity.NewSample) (*entity.Sample, error) {
	now := r.now()
	s := &entity.Sample{
		ID:          uuid.New(),
		Filename:    in.Filename,
		StoragePath: in.StoragePath,
		ContentHash: in.ContentHash,
		Status:      constants.SampleStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if in.FileSizeBytes > 0 {
		s.FileSizeBytes = entity.Ptr(in.FileSizeBytes)
	}

	query, args := r.b.Insert(samplesTable).
		Columns(colID, colFilename, colStoragePath, colFileSize, colContentHash, colStatus, colCreatedAt, colUpdatedAt).
		Values(s.ID, s.Filename, s.StoragePath, nullableInt(s.FileSizeBytes), nullableBytes(s.ContentHash), s.Status.String(), now, now).
		Query()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.Error("repository.sample.create_failed", "filename", in.Filename, "error", err)
		return nil, dbError("create sample", err)
	}
	r.logger.Debug("repository.sample.created", "sample_id", s.ID, "filename", s.Filename)
	return s, nil
}

func (r *sampleRepository) Get(ctx context.Context, id uuid.UUID) (*entity.Sample, error) {
	s, err := r.selectOne(ctx, entsql.EQ(colID, id))
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, notFound(id)
	}
	return s, nil
}

func (r *sampleRepository) FindByHash(ctx context.Context, hash []byte) (*entity.Sample, error) {
	if len(hash) == 0 {
		return nil, nil
	}
	return r.selectOne(ctx, entsql.EQ(colContentHash, hash))
}

func (r *sampleRepository) ListByStatus(ctx context.Context, status *constants.SampleStatus, limit, offset int) ([]*entity.Sample, error) {
	sel := r.selectSamples()
	if status != nil {
		sel = sel.Where(entsql.EQ(colStatus, status.String()))
	}
	sel = sel.OrderBy(entsql.Desc(colCreatedAt))
	if limit > 0 {
		sel = sel.Limit(limit)
	}
	if offset > 0 {
		sel = sel.Offset(offset)
	}
	return r.query(ctx, sel)
}

func (r *sampleRepository) ListValidated(ctx context.Context) ([]*entity.Sample, error) {
	sel := r.selectSamples().
		Where(entsql.In(colStatus,
			constants.SampleStatusAutoValidated.String(),
			constants.SampleStatusManuallyValidated.String(),
		)).
		OrderBy(entsql.Asc(colCreatedAt))
	return r.query(ctx, sel)
}

func (r *sampleRepository) Update(ctx context.Context, id uuid.UUID, u entity.SampleUpdate) (*entity.Sample, error) {
	a, err := assignmentsFor(u)
	if err != nil {
		return nil, err
	}
	upd := r.b.Update(samplesTable)
	for _, col := range a.order {
		if v := a.values[col]; v == nil {
			upd = upd.SetNull(col)
		} else {
			upd = upd.Set(col, v)
		}
	}
	upd = upd.Set(colUpdatedAt, r.now()).Where(entsql.EQ(colID, id))

	query, args := upd.Query()
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.Error("repository.sample.update_failed", "sample_id", id, "error", err)
		return nil, dbError("update sample", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, notFound(id)
	}
	return r.Get(ctx, id)
}

func (r *sampleRepository) Claim(ctx context.Context, id uuid.UUID) (*entity.Sample, error) {
	query, args := r.b.Update(samplesTable).
		Set(colStatus, constants.SampleStatusProcessing.String()).
		Set(colUpdatedAt, r.now()).
		Where(entsql.And(
			entsql.EQ(colID, id),
			entsql.EQ(colStatus, constants.SampleStatusPending.String()),
		)).
		Query()
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.Error("repository.sample.claim_failed", "sample_id", id, "error", err)
		return nil, dbError("claim sample", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, dbError("claim sample", err)
	}
	if n == 0 {
		s, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, notPending(id, s.Status)
	}
	return r.Get(ctx, id)
}

func (r *sampleRepository) CountByStatus(ctx context.Context) (map[constants.SampleStatus]int, error) {
	query, args := r.b.Select(colStatus, "COUNT(*)").
		From(r.b.Table(samplesTable)).
		GroupBy(colStatus).
		Query()
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, dbError("count samples", err)
	}
	defer rows.Close()

	counts := make(map[constants.SampleStatus]int, len(constants.AllSampleStatuses()))
	for _, st := range constants.AllSampleStatuses() {
		counts[st] = 0
	}
	for rows.Next() {
		var wire string
		var n int
		if err := rows.Scan(&wire, &n); err != nil {
			return nil, dbError("scan count", err)
		}
		st, err := constants.ParseSampleStatus(wire)
		if err != nil {
			r.logger.Warn("repository.sample.unknown_status", "status", wire, "count", n)
			continue
		}
		counts[st] = n
	}
	if err := rows.Err(); err != nil {
		return nil, dbError("count samples", err)
	}
	return counts, nil
}

func (r *sampleRepository) AverageMatchScore(ctx context.Context) (*float64, error) {
	query, args := r.b.Select("AVG(" + colMatchScore + ")").
		From(r.b.Table(samplesTable)).
		Where(entsql.NotNull(colMatchScore)).
		Query()
	var avg sql.NullFloat64
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&avg); err != nil {
		return nil, dbError("average match score", err)
	}
	if !avg.Valid {
		return nil, nil
	}
	return &avg.Float64, nil
}

func (r *sampleRepository) Reset(ctx context.Context, ids []uuid.UUID) (int, error) {
	a, err := assignmentsFor(entity.ResetUpdate())
	if err != nil {
		return 0, err
	}
	upd := r.b.Update(samplesTable)
	for _, col := range a.order {
		if v := a.values[col]; v == nil {
			upd = upd.SetNull(col)
		} else {
			upd = upd.Set(col, v)
		}
	}
	upd = upd.Set(colUpdatedAt, r.now())
	if len(ids) > 0 {
		args := make([]any, len(ids))
		for i, id := range ids {
			args[i] = id
		}
		upd = upd.Where(entsql.In(colID, args...))
	} else {
		upd = upd.Where(entsql.NEQ(colStatus, constants.SampleStatusPending.String()))
	}

	query, args := upd.Query()
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.Error("repository.sample.reset_failed", "ids", len(ids), "error", err)
		return 0, dbError("reset samples", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, dbError("reset samples", err)
	}
	r.logger.Info("repository.sample.reset", "requested", len(ids), "reset", n)
	return int(n), nil
}

func (r *sampleRepository) selectSamples() *entsql.Selector {
	return r.b.Select(sampleColumns...).From(r.b.Table(samplesTable))
}

func (r *sampleRepository) selectOne(ctx context.Context, p *entsql.Predicate) (*entity.Sample, error) {
	out, err := r.query(ctx, r.selectSamples().Where(p).Limit(1))
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out[0], nil
}

func (r *sampleRepository) query(ctx context.Context, sel *entsql.Selector) ([]*entity.Sample, error) {
	query, args := sel.Query()
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		r.logger.Error("repository.sample.query_failed", "error", err)
		return nil, dbError("query samples", err)
	}
	defer rows.Close()

	var out []*entity.Sample
	for rows.Next() {
		s, err := scanSample(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError("query samples", err)
	}
	return out, nil
}

func scanSample(rows *sql.Rows) (*entity.Sample, error) {
	var (
		s                                       entity.Sample
		fileSize, dlTime, azTime, stTime        sql.NullInt64
		dlOCR, dlErr, azOCR, azErr, stErr       sql.NullString
		dlJSON, stJSON, discJSON, validatedJSON []byte
		score                                   sql.NullFloat64
		status                                  string
		source, notes, split                    sql.NullString
		createdAt, updatedAt                    any
	)
	err := rows.Scan(
		&s.ID, &s.Filename, &s.StoragePath, &fileSize, &s.ContentHash,
		&dlOCR, &dlJSON, &dlTime, &dlErr,
		&azOCR, &azTime, &azErr,
		&stJSON, &stTime, &stErr,
		&score, &discJSON, &status,
		&validatedJSON, &source, &notes, &split,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, dbError("scan sample", err)
	}

	if s.Status, err = constants.ParseSampleStatus(status); err != nil {
		return nil, dbError("scan sample", err)
	}
	s.FileSizeBytes = int64Ptr(fileSize)
	s.DatalabRawOCR, s.DatalabTimeMs, s.DatalabError = stringPtr(dlOCR), int64Ptr(dlTime), stringPtr(dlErr)
	s.AzureRawOCR, s.AzureTimeMs, s.AzureError = stringPtr(azOCR), int64Ptr(azTime), stringPtr(azErr)
	s.StructurerTimeMs, s.StructurerError = int64Ptr(stTime), stringPtr(stErr)
	s.ValidatorNotes = stringPtr(notes)
	if score.Valid {
		s.MatchScore = &score.Float64
	}

	for _, j := range []struct {
		raw []byte
		dst *map[string]any
	}{
		{dlJSON, &s.DatalabJSON},
		{stJSON, &s.StructurerJSON},
		{validatedJSON, &s.ValidatedOutput},
	} {
		if err := decodeJSON(j.raw, j.dst); err != nil {
			return nil, dbError("decode sample json", err)
		}
	}
	if err := decodeJSON(discJSON, &s.Discrepancies); err != nil {
		return nil, dbError("decode discrepancies", err)
	}

	if source.Valid {
		v, err := constants.ParseValidationSource(source.String)
		if err != nil {
			return nil, dbError("scan sample", err)
		}
		s.ValidationSource = &v
	}
	if split.Valid {
		v, err := constants.ParseDatasetSplit(split.String)
		if err != nil {
			return nil, dbError("scan sample", err)
		}
		s.DatasetSplit = &v
	}
	if s.CreatedAt, err = toTime(createdAt); err != nil {
		return nil, dbError("scan created_at", err)
	}
	if s.UpdatedAt, err = toTime(updatedAt); err != nil {
		return nil, dbError("scan updated_at", err)
	}
	return &s, nil
}

// assignments is an ordered column -> value set; a nil value writes NULL.
type assignments struct {
	order  []string
	values map[string]any
}

func (a *assignments) set(col string, v any) {
	if _, ok := a.values[col]; !ok {
		a.order = append(a.order, col)
	}
	a.values[col] = v
}

// assignmentsFor flattens u into column writes. Clears are recorded first
// and later sets overwrite them, so no column is assigned twice.
func assignmentsFor(u entity.SampleUpdate) (*assignments, error) {
	a := &assignments{values: map[string]any{}}
	if u.ClearExtraction {
		for _, col := range []string{
			colDatalabRawOCR, colDatalabJSON, colDatalabTimeMs, colDatalabError,
			colAzureRawOCR, colAzureTimeMs, colAzureError,
			colStructurerJSON, colStructurerTimeMs, colStructurerError,
			colMatchScore, colDiscrepancies, colValidatorNotes, colDatasetSplit,
			colValidatedOutput, colValidationSource,
		} {
			a.set(col, nil)
		}
	}
	if u.ClearResolution {
		a.set(colValidatedOutput, nil)
		a.set(colValidationSource, nil)
	}
	if u.Status != nil {
		if !u.Status.Valid() {
			return nil, common.NewAppError("INVALID_STATUS", u.Status.String(), common.ErrInvalidInput)
		}
		a.set(colStatus, u.Status.String())
	}
	setStr := func(col string, v *string) {
		if v != nil {
			a.set(col, *v)
		}
	}
	setInt := func(col string, v *int64) {
		if v != nil {
			a.set(col, *v)
		}
	}
	setJSON := func(col string, v any, present bool) error {
		if !present {
			return nil
		}
		b, err := json.Marshal(v)
		if err != nil {
			return common.NewAppError("INVALID_JSON", col, errors.Join(common.ErrInvalidInput, err))
		}
		a.set(col, string(b))
		return nil
	}

	setStr(colDatalabRawOCR, u.DatalabRawOCR)
	setInt(colDatalabTimeMs, u.DatalabTimeMs)
	setStr(colDatalabError, u.DatalabError)
	setStr(colAzureRawOCR, u.AzureRawOCR)
	setInt(colAzureTimeMs, u.AzureTimeMs)
	setStr(colAzureError, u.AzureError)
	setInt(colStructurerTimeMs, u.StructurerTimeMs)
	setStr(colStructurerError, u.StructurerError)
	setStr(colValidatorNotes, u.ValidatorNotes)
	if u.MatchScore != nil {
		a.set(colMatchScore, *u.MatchScore)
	}
	if u.ValidationSource != nil {
		a.set(colValidationSource, string(*u.ValidationSource))
	}
	if u.DatasetSplit != nil {
		a.set(colDatasetSplit, string(*u.DatasetSplit))
	}
	for _, j := range []struct {
		col     string
		v       any
		present bool
	}{
		{colDatalabJSON, u.DatalabJSON, u.DatalabJSON != nil},
		{colStructurerJSON, u.StructurerJSON, u.StructurerJSON != nil},
		{colValidatedOutput, u.ValidatedOutput, u.ValidatedOutput != nil},
		{colDiscrepancies, u.Discrepancies, u.Discrepancies != nil},
	} {
		if err := setJSON(j.col, j.v, j.present); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func decodeJSON[T any](raw []byte, dst *T) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

func nullableInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	return &v.String
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	return &v.Int64
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999 -0700 MST",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
}

// toTime accepts the timestamp shapes returned by the pgx and SQLite drivers.
func toTime(v any) (time.Time, error) {
	var s string
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case string:
		s = t
	case []byte:
		s = string(t)
	case nil:
		return time.Time{}, errors.New("null timestamp")
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
	}
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}

func dbError(op string, err error) error {
	return common.NewAppError("DB_ERROR", op, errors.Join(common.ErrDatabase, err))
}

func notPending(id uuid.UUID, status constants.SampleStatus) error {
	return common.NewAppError("INVALID_STATE",
		fmt.Sprintf("sample %s is %s, only pending samples can be processed", id, status), common.ErrInvalidState)
}

func notFound(id uuid.UUID) error {
	return common.NewAppError("NOT_FOUND", "sample "+id.String(), common.ErrNotFound)
}
