package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"mindwell/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertUser(ctx context.Context, u domain.User) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO users(nickname,phone,is_active,created_at,updated_at) VALUES (?,?,?,?,?)`,
		nullable(u.Nickname), nullable(u.Phone), boolToInt(u.IsActive), u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetUser(ctx context.Context, id int64) (domain.User, error) {
	var u domain.User
	var nickname, phone sql.NullString
	var active int
	err := r.DB.QueryRowContext(ctx, `SELECT id,nickname,phone,is_active,created_at,updated_at FROM users WHERE id=?`, id).
		Scan(&u.ID, &nickname, &phone, &active, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	if err != nil {
		return u, err
	}
	if nickname.Valid {
		u.Nickname = nickname.String
	}
	if phone.Valid {
		u.Phone = phone.String
	}
	u.IsActive = active != 0
	return u, nil
}

func (r Repo) InsertPlanTx(ctx context.Context, tx *sql.Tx, p domain.Plan) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO plans(user_id,name,content,flow_data_json,plan_type,status,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		p.UserID, p.Name, p.Content, nullableStringPtr(p.FlowDataJSON), p.PlanType, p.Status, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetPlanByIDAndOwner(ctx context.Context, planID, userID int64) (domain.Plan, error) {
	return scanPlan(r.DB.QueryRowContext(ctx,
		`SELECT id,user_id,name,content,flow_data_json,plan_type,status,created_at,updated_at FROM plans WHERE id=? AND user_id=?`,
		planID, userID))
}

func (r Repo) GetPlanByIDAndOwnerTx(ctx context.Context, tx *sql.Tx, planID, userID int64) (domain.Plan, error) {
	return scanPlan(tx.QueryRowContext(ctx,
		`SELECT id,user_id,name,content,flow_data_json,plan_type,status,created_at,updated_at FROM plans WHERE id=? AND user_id=?`,
		planID, userID))
}

func scanPlan(row *sql.Row) (domain.Plan, error) {
	var p domain.Plan
	var flowData sql.NullString
	err := row.Scan(&p.ID, &p.UserID, &p.Name, &p.Content, &flowData, &p.PlanType, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if flowData.Valid {
		p.FlowDataJSON = &flowData.String
	}
	return p, nil
}

type PlanFilters struct {
	UserID   int64
	Status   string
	PlanType string
}

// ListPlans returns an owner's plans newest first.
func (r Repo) ListPlans(ctx context.Context, f PlanFilters) ([]domain.Plan, error) {
	clauses := []string{"user_id=?"}
	args := []any{f.UserID}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.PlanType != "" {
		clauses = append(clauses, "plan_type=?")
		args = append(args, f.PlanType)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := `SELECT id,user_id,name,content,flow_data_json,plan_type,status,created_at,updated_at FROM plans ` + where + ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Plan
	for rows.Next() {
		var p domain.Plan
		var flowData sql.NullString
		if err := rows.Scan(&p.ID, &p.UserID, &p.Name, &p.Content, &flowData, &p.PlanType, &p.Status, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		if flowData.Valid {
			p.FlowDataJSON = &flowData.String
		}
		res = append(res, p)
	}
	return res, nil
}

// UpdatePlanContent rewrites the full payload; this is the only write
// path into a stored plan document.
func (r Repo) UpdatePlanContent(ctx context.Context, tx *sql.Tx, planID int64, content, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE plans SET content=?, updated_at=? WHERE id=?`, content, updatedAt, planID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdatePlanStatus(ctx context.Context, planID, userID int64, status, updatedAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE plans SET status=?, updated_at=? WHERE id=? AND user_id=?`, status, updatedAt, planID, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeletePlan(ctx context.Context, tx *sql.Tx, planID, userID int64) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM plans WHERE id=? AND user_id=?`, planID, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteDailyPlans removes all of an owner's ephemeral daily plans and
// reports how many were deleted.
func (r Repo) DeleteDailyPlans(ctx context.Context, tx *sql.Tx, userID int64) (int64, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM plans WHERE user_id=? AND plan_type='daily'`, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
