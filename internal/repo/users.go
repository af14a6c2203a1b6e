package repo

import (
	"context"
	"database/sql"
	"strings"

	"ecgdesk/internal/domain"
)

func scanUser(scan func(dest ...any) error) (domain.User, error) {
	var u domain.User
	err := scan(&u.ID, &u.Name, &u.Email, &u.Role, &u.IsDuty, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	return u, err
}

const userColumns = "id,name,email,role,is_duty,created_at"

func (r Repo) InsertUser(ctx context.Context, u domain.User) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO users(name,email,role,is_duty,created_at) VALUES (?,?,?,?,?)`,
		u.Name, u.Email, u.Role, u.IsDuty, u.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetUser(ctx context.Context, id int64) (domain.User, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=?`, id)
	return scanUser(row.Scan)
}

func (r Repo) GetUserByEmail(ctx context.Context, email string) (domain.User, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email=?`, email)
	return scanUser(row.Scan)
}

func (r Repo) ListUsers(ctx context.Context, role string) ([]domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users`
	var args []any
	if role != "" {
		query += ` WHERE role=?`
		args = append(args, role)
	}
	query += ` ORDER BY id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		u, err := scanUser(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

// SetDuty flips the duty flag for a doctor. When exclusive is true every
// other doctor is taken off duty first, so at most one flag is set.
func (r Repo) SetDuty(ctx context.Context, tx *sql.Tx, doctorID int64, onDuty, exclusive bool) error {
	if onDuty && exclusive {
		if _, err := tx.ExecContext(ctx, `UPDATE users SET is_duty=0 WHERE role=?`, domain.RoleDoctor); err != nil {
			return err
		}
	}
	res, err := tx.ExecContext(ctx, `UPDATE users SET is_duty=? WHERE id=? AND role=?`, onDuty, doctorID, domain.RoleDoctor)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CurrentDutyDoctor returns the doctor currently flagged on duty, scanning
// inside the caller's transaction so task assignment sees a stable answer.
func (r Repo) CurrentDutyDoctor(ctx context.Context, tx *sql.Tx) (domain.User, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE role=? AND is_duty=1 ORDER BY id ASC LIMIT 1`, domain.RoleDoctor)
	return scanUser(row.Scan)
}

// ListDoctors returns doctors decorated with today's roster entry, optionally
// filtered by a case-insensitive name/email search.
func (r Repo) ListDoctors(ctx context.Context, search, today string, limit, offset int) ([]domain.DoctorListing, error) {
	query := `SELECT u.id,u.name,u.email,u.created_at,u.is_duty,dr.id,dr.duty_date,dr.shift
FROM users u
LEFT JOIN duty_roster dr ON dr.doctor_id=u.id AND dr.duty_date=? AND dr.is_active=1
WHERE u.role=?`
	args := []any{today, domain.RoleDoctor}
	if search != "" {
		query += ` AND (lower(u.name) LIKE ? OR lower(u.email) LIKE ?)`
		pat := "%" + strings.ToLower(search) + "%"
		args = append(args, pat, pat)
	}
	if limit <= 0 {
		limit = 50
	}
	query += ` ORDER BY u.name ASC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DoctorListing
	for rows.Next() {
		var d domain.DoctorListing
		var rosterID sql.NullInt64
		var dutyDate, shift sql.NullString
		if err := rows.Scan(&d.ID, &d.Name, &d.Email, &d.CreatedAt, &d.IsDuty, &rosterID, &dutyDate, &shift); err != nil {
			return nil, err
		}
		if rosterID.Valid {
			d.DutyRosterID = &rosterID.Int64
		}
		if dutyDate.Valid {
			d.DutyDate = &dutyDate.String
		}
		if shift.Valid {
			d.Shift = &shift.String
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// CountDoctors reports the total matching a search, ignoring paging.
func (r Repo) CountDoctors(ctx context.Context, search string) (int, error) {
	query := `SELECT count(*) FROM users WHERE role=?`
	args := []any{domain.RoleDoctor}
	if search != "" {
		query += ` AND (lower(name) LIKE ? OR lower(email) LIKE ?)`
		pat := "%" + strings.ToLower(search) + "%"
		args = append(args, pat, pat)
	}
	var n int
	err := r.DB.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}

// InsertDutyRoster records a roster entry for a doctor.
func (r Repo) InsertDutyRoster(ctx context.Context, e domain.DutyRosterEntry) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO duty_roster(doctor_id,duty_date,shift,is_active) VALUES (?,?,?,?)`,
		e.DoctorID, e.DutyDate, e.Shift, e.IsActive)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListDutyDoctors returns active roster entries for a date joined with the
// doctor's identity, optionally narrowed to one shift.
func (r Repo) ListDutyDoctors(ctx context.Context, date, shift string) ([]domain.DutyDoctor, error) {
	query := `SELECT u.id,u.name,u.email,dr.shift,dr.duty_date
FROM duty_roster dr JOIN users u ON u.id=dr.doctor_id
WHERE dr.duty_date=? AND dr.is_active=1 AND u.role=?`
	args := []any{date, domain.RoleDoctor}
	if shift != "" {
		query += ` AND dr.shift=?`
		args = append(args, shift)
	}
	query += ` ORDER BY dr.id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DutyDoctor
	for rows.Next() {
		var d domain.DutyDoctor
		if err := rows.Scan(&d.ID, &d.Name, &d.Email, &d.Shift, &d.DutyDate); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// RosterDutyDoctor returns the first active roster doctor for a date inside
// the caller's transaction. Used as a fallback when duty flags are disabled.
func (r Repo) RosterDutyDoctor(ctx context.Context, tx *sql.Tx, date string) (domain.User, error) {
	row := tx.QueryRowContext(ctx, `SELECT u.id,u.name,u.email,u.role,u.is_duty,u.created_at
FROM duty_roster dr JOIN users u ON u.id=dr.doctor_id
WHERE dr.duty_date=? AND dr.is_active=1 AND u.role=?
ORDER BY dr.id ASC LIMIT 1`, date, domain.RoleDoctor)
	return scanUser(row.Scan)
}
