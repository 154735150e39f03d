// Package pgstore 直接在 PostgreSQL 上实现远程存储契约，表结构与原有服务一致
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"go.uber.org/zap"

	"projectplanner/internal/model"
	"projectplanner/internal/remote"
	"projectplanner/pkg/metrics"
)

const backendName = "postgres"

//go:embed schema.sql
var schema string

// DB 由 *pgxpool.Pool 和 pgx.Tx 实现
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	db     DB
	logger *zap.Logger
}

func New(db DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// EnsureSchema 创建缺失的表
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	var one int
	return s.db.QueryRow(ctx, "SELECT 1").Scan(&one)
}

func (s *Store) Create(ctx context.Context, payload model.Entity) (model.Entity, error) {
	kind := payload.EntityKind()
	start := time.Now()
	e, err := s.create(ctx, payload)
	return s.finish(remote.OpCreate, kind, 0, start, e, err)
}

func (s *Store) create(ctx context.Context, payload model.Entity) (model.Entity, error) {
	switch p := payload.(type) {
	case model.Project:
		err := s.db.QueryRow(ctx, `
			INSERT INTO projects (name, description, start_date, end_date, responsible_id)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id`,
			p.Name, p.Description, dateArg(p.StartDate), dateArg(p.EndDate), p.ResponsibleID,
		).Scan(&p.ID)
		p.Stages = nil
		return p, err

	case model.Stage:
		err := s.db.QueryRow(ctx, `
			INSERT INTO stages (project_id, name, description, order_index)
			VALUES ($1, $2, $3, $4)
			RETURNING id`,
			p.ProjectID, p.Name, p.Description, p.OrderIndex,
		).Scan(&p.ID)
		p.Assignments = nil
		return p, err

	case model.Assignment:
		if p.Status == "" {
			p.Status = model.StatusPending
		}
		err := s.db.QueryRow(ctx, `
			INSERT INTO project_tasks (stage_id, task_id, programmer_id, status)
			VALUES ($1, $2, $3, $4)
			RETURNING id`,
			p.StageID, p.TaskID, p.ProgrammerID, p.Status,
		).Scan(&p.ID)
		return p, err

	case model.TaskCatalogEntry:
		err := s.db.QueryRow(ctx, `
			INSERT INTO tasks (name, description, type, base_time_hours)
			VALUES ($1, $2, $3, $4)
			RETURNING id`,
			p.Name, p.Description, p.Type, p.BaseTimeHours,
		).Scan(&p.ID)
		return p, err

	case model.Programmer:
		err := s.db.QueryRow(ctx, `
			INSERT INTO programmers (name, seniority, coefficient)
			VALUES ($1, $2, $3)
			RETURNING id`,
			p.Name, p.Seniority, p.Coefficient,
		).Scan(&p.ID)
		return p, err
	}
	return nil, fmt.Errorf("unsupported entity %T", payload)
}

func (s *Store) Update(ctx context.Context, id int64, payload model.Entity) (model.Entity, error) {
	kind := payload.EntityKind()
	start := time.Now()
	e, err := s.update(ctx, id, payload)
	return s.finish(remote.OpUpdate, kind, id, start, e, err)
}

func (s *Store) update(ctx context.Context, id int64, payload model.Entity) (model.Entity, error) {
	var tag pgconn.CommandTag
	var err error

	switch p := payload.(type) {
	case model.Project:
		tag, err = s.db.Exec(ctx, `
			UPDATE projects
			SET name = $2, description = $3, start_date = $4, end_date = $5, responsible_id = $6
			WHERE id = $1`,
			id, p.Name, p.Description, dateArg(p.StartDate), dateArg(p.EndDate), p.ResponsibleID)
	case model.Stage:
		tag, err = s.db.Exec(ctx, `
			UPDATE stages
			SET name = $2, description = $3, order_index = $4
			WHERE id = $1`,
			id, p.Name, p.Description, p.OrderIndex)
	case model.Assignment:
		tag, err = s.db.Exec(ctx, `
			UPDATE project_tasks
			SET task_id = $2, programmer_id = $3, status = $4
			WHERE id = $1`,
			id, p.TaskID, p.ProgrammerID, p.Status)
	default:
		return nil, fmt.Errorf("unsupported entity %T", payload)
	}
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, pgx.ErrNoRows
	}
	return s.get(ctx, payload.EntityKind(), id)
}

func (s *Store) Delete(ctx context.Context, kind model.Kind, id int64) error {
	start := time.Now()
	table, err := tableOf(kind)
	if err == nil {
		var tag pgconn.CommandTag
		tag, err = s.db.Exec(ctx, "DELETE FROM "+table+" WHERE id = $1", id)
		if err == nil && tag.RowsAffected() == 0 {
			err = pgx.ErrNoRows
		}
	}
	_, err = s.finish(remote.OpDelete, kind, id, start, nil, err)
	return err
}

func (s *Store) Get(ctx context.Context, kind model.Kind, id int64) (model.Entity, error) {
	start := time.Now()
	e, err := s.get(ctx, kind, id)
	return s.finish(remote.OpGet, kind, id, start, e, err)
}

func (s *Store) get(ctx context.Context, kind model.Kind, id int64) (model.Entity, error) {
	list, err := s.query(ctx, kind, "WHERE id = $1", id)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, pgx.ErrNoRows
	}
	return list[0], nil
}

func (s *Store) List(ctx context.Context, kind model.Kind, filter remote.Filter) ([]model.Entity, error) {
	start := time.Now()
	where, args := "", []any(nil)
	switch {
	case kind == model.KindStage && filter.ProjectID != 0:
		where, args = "WHERE project_id = $1", []any{filter.ProjectID}
	case kind == model.KindAssignment && filter.StageID != 0:
		where, args = "WHERE stage_id = $1", []any{filter.StageID}
	}
	list, err := s.query(ctx, kind, where, args...)
	if err != nil {
		_, err = s.finish(remote.OpList, kind, 0, start, nil, err)
		return nil, err
	}
	metrics.RecordRemoteCall(backendName, string(remote.OpList), string(kind), "ok", time.Since(start))
	return list, nil
}

func (s *Store) query(ctx context.Context, kind model.Kind, where string, args ...any) ([]model.Entity, error) {
	var sql string
	switch kind {
	case model.KindProject:
		sql = `SELECT id, name, description, start_date, end_date, responsible_id FROM projects ` + where + ` ORDER BY id`
	case model.KindStage:
		sql = `SELECT id, project_id, name, description, order_index FROM stages ` + where + ` ORDER BY order_index, id`
	case model.KindAssignment:
		sql = `SELECT id, stage_id, task_id, programmer_id, status, COALESCE(assigned_time_hours, 0)::float8
			FROM project_tasks ` + where + ` ORDER BY id`
	case model.KindTask:
		sql = `SELECT id, name, description, type, base_time_hours::float8 FROM tasks ` + where + ` ORDER BY id`
	case model.KindProgrammer:
		sql = `SELECT id, name, seniority, coefficient::float8 FROM programmers ` + where + ` ORDER BY id`
	default:
		return nil, fmt.Errorf("unknown kind %q", kind)
	}

	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Entity
	for rows.Next() {
		e, err := scan(kind, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scan(kind model.Kind, rows pgx.Rows) (model.Entity, error) {
	switch kind {
	case model.KindProject:
		var p model.Project
		var startDate, endDate pgtype.Date
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &startDate, &endDate, &p.ResponsibleID); err != nil {
			return nil, err
		}
		p.StartDate = fromPG(startDate)
		p.EndDate = fromPG(endDate)
		return p, nil
	case model.KindStage:
		var st model.Stage
		err := rows.Scan(&st.ID, &st.ProjectID, &st.Name, &st.Description, &st.OrderIndex)
		return st, err
	case model.KindAssignment:
		var a model.Assignment
		err := rows.Scan(&a.ID, &a.StageID, &a.TaskID, &a.ProgrammerID, &a.Status, &a.CalculatedTotalHours)
		return a, err
	case model.KindTask:
		var t model.TaskCatalogEntry
		err := rows.Scan(&t.ID, &t.Name, &t.Description, &t.Type, &t.BaseTimeHours)
		return t, err
	case model.KindProgrammer:
		var pr model.Programmer
		err := rows.Scan(&pr.ID, &pr.Name, &pr.Seniority, &pr.Coefficient)
		return pr, err
	}
	return nil, fmt.Errorf("unknown kind %q", kind)
}

// finish 记录指标并把数据库错误转换为 *remote.RequestError
func (s *Store) finish(op remote.Op, kind model.Kind, id int64, start time.Time, e model.Entity, err error) (model.Entity, error) {
	if err == nil {
		metrics.RecordRemoteCall(backendName, string(op), string(kind), "ok", time.Since(start))
		return e, nil
	}

	status := 0
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		status = http.StatusNotFound
		err = remote.ErrNotFound
	default:
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && (pgErr.Code == "23503" || pgErr.Code == "23505") {
			// 外键或唯一约束冲突：父级不存在或仍有子级
			status = http.StatusConflict
			err = fmt.Errorf("%w: %s", remote.ErrConflict, pgErr.Message)
		}
	}
	label := "error"
	if status != 0 {
		label = fmt.Sprint(status)
	}
	metrics.RecordRemoteCall(backendName, string(op), string(kind), label, time.Since(start))

	s.logger.Debug("Postgres store call failed",
		zap.String("op", string(op)),
		zap.String("kind", string(kind)),
		zap.Int64("id", id),
		zap.Error(err))
	return nil, remote.NewRequestError(op, kind, id, status, "", err)
}

func tableOf(kind model.Kind) (string, error) {
	switch kind {
	case model.KindProject:
		return "projects", nil
	case model.KindStage:
		return "stages", nil
	case model.KindAssignment:
		return "project_tasks", nil
	case model.KindTask:
		return "tasks", nil
	case model.KindProgrammer:
		return "programmers", nil
	}
	return "", fmt.Errorf("unknown kind %q", kind)
}

func dateArg(d model.Date) any {
	if d.IsZero() {
		return nil
	}
	return d.Time
}

func fromPG(d pgtype.Date) model.Date {
	if !d.Valid {
		return model.Date{}
	}
	return model.NewDate(d.Time.Year(), d.Time.Month(), d.Time.Day())
}
