package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"ecgdesk/internal/domain"
)

func scanTask(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var doctorID, assignedBy sql.NullInt64
	var adminNotes, feedback, assignedAt, completedAt sql.NullString
	err := scan(&t.ID, &t.PatientID, &t.TechnicianID, &doctorID, &assignedBy, &t.Status, &t.Priority,
		&t.TechnicianNotes, &adminNotes, &feedback, &assignedAt, &completedAt, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if doctorID.Valid {
		t.AssignedDoctorID = &doctorID.Int64
	}
	if assignedBy.Valid {
		t.AssignedBy = &assignedBy.Int64
	}
	if adminNotes.Valid {
		t.AdminNotes = &adminNotes.String
	}
	if feedback.Valid {
		t.DoctorFeedback = &feedback.String
	}
	if assignedAt.Valid {
		t.AssignedAt = &assignedAt.String
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.String
	}
	return t, nil
}

// InsertTask inserts a task and returns its generated id.
func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO tasks(patient_id,technician_id,assigned_doctor_id,assigned_by,status,priority,technician_notes,admin_notes,doctor_feedback,assigned_at,completed_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.PatientID, t.TechnicianID, nullableInt64Ptr(t.AssignedDoctorID), nullableInt64Ptr(t.AssignedBy),
		t.Status, t.Priority, t.TechnicianNotes, nullableStringPtr(t.AdminNotes), nullableStringPtr(t.DoctorFeedback),
		nullableStringPtr(t.AssignedAt), nullableStringPtr(t.CompletedAt), t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetTask(ctx context.Context, id int64) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Task, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

// UpdateTaskStatus applies a status mutation inside the caller's transaction.
// Feedback and completedAt are only written when non-nil.
func (r Repo) UpdateTaskStatus(ctx context.Context, tx *sql.Tx, id int64, status string, feedback, completedAt *string, updatedAt string) error {
	sets := []string{"status=?", "updated_at=?"}
	args := []any{status, updatedAt}
	if feedback != nil {
		sets = append(sets, "doctor_feedback=?")
		args = append(args, *feedback)
	}
	if completedAt != nil {
		sets = append(sets, "completed_at=?")
		args = append(args, *completedAt)
	}
	args = append(args, id)
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE tasks SET %s WHERE id=?`, strings.Join(sets, ", ")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AssignTask records duty assignment on the task row.
func (r Repo) AssignTask(ctx context.Context, tx *sql.Tx, id, doctorID int64, assignedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE tasks SET assigned_doctor_id=?, status=?, assigned_at=?, updated_at=? WHERE id=?`,
		doctorID, domain.TaskAssigned, assignedAt, assignedAt, id)
	return err
}

// TaskFilters narrows ListTasks; zero values mean "no predicate".
type TaskFilters struct {
	Status       string
	DoctorID     int64
	TechnicianID int64
	Limit        int
	Offset       int
}

// ListTasks returns tasks joined with technician/doctor/patient identity,
// newest first. Matching the original admin console, the result is collapsed
// to one row per patient while preserving ordering.
func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.TaskListing, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "t.status=?")
		args = append(args, f.Status)
	}
	if f.DoctorID != 0 {
		clauses = append(clauses, "t.assigned_doctor_id=?")
		args = append(args, f.DoctorID)
	}
	if f.TechnicianID != 0 {
		clauses = append(clauses, "t.technician_id=?")
		args = append(args, f.TechnicianID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT t.id,t.patient_id,t.technician_id,t.assigned_doctor_id,t.assigned_by,t.status,t.priority,
t.technician_notes,t.admin_notes,t.doctor_feedback,t.assigned_at,t.completed_at,t.created_at,t.updated_at,
COALESCE(tech.name,''),COALESCE(tech.email,''),doc.name,doc.email,ab.name,
COALESCE(p.name,''),COALESCE(p.patient_id,''),p.age
FROM tasks t
LEFT JOIN users tech ON tech.id=t.technician_id
LEFT JOIN users doc ON doc.id=t.assigned_doctor_id
LEFT JOIN users ab ON ab.id=t.assigned_by
LEFT JOIN patients p ON p.id=t.patient_id
` + where + `
ORDER BY t.created_at DESC, t.id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskListing
	seen := map[int64]bool{}
	for rows.Next() {
		var l domain.TaskListing
		var doctorID, assignedBy sql.NullInt64
		var adminNotes, feedback, assignedAt, completedAt sql.NullString
		var docName, docEmail, abName sql.NullString
		var patientAge sql.NullInt64
		if err := rows.Scan(&l.ID, &l.PatientID, &l.TechnicianID, &doctorID, &assignedBy, &l.Status, &l.Priority,
			&l.TechnicianNotes, &adminNotes, &feedback, &assignedAt, &completedAt, &l.CreatedAt, &l.UpdatedAt,
			&l.TechnicianName, &l.TechnicianEmail, &docName, &docEmail, &abName,
			&l.PatientName, &l.PatientIDString, &patientAge); err != nil {
			return nil, err
		}
		if doctorID.Valid {
			l.AssignedDoctorID = &doctorID.Int64
		}
		if assignedBy.Valid {
			l.AssignedBy = &assignedBy.Int64
		}
		if adminNotes.Valid {
			l.AdminNotes = &adminNotes.String
		}
		if feedback.Valid {
			l.DoctorFeedback = &feedback.String
		}
		if assignedAt.Valid {
			l.AssignedAt = &assignedAt.String
		}
		if completedAt.Valid {
			l.CompletedAt = &completedAt.String
		}
		if docName.Valid {
			l.DoctorName = &docName.String
		}
		if docEmail.Valid {
			l.DoctorEmail = &docEmail.String
		}
		if abName.Valid {
			l.AssignedByName = &abName.String
		}
		if patientAge.Valid {
			age := int(patientAge.Int64)
			l.PatientAge = &age
		}
		if seen[l.PatientID] {
			continue
		}
		seen[l.PatientID] = true
		res = append(res, l)
	}
	return res, rows.Err()
}

// ListTaskHistory returns the audit trail for a task in append order.
func (r Repo) ListTaskHistory(ctx context.Context, taskID int64) ([]domain.TaskHistory, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,task_id,changed_by,old_status,new_status,comment,created_at
FROM task_history WHERE task_id=? ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskHistory
	for rows.Next() {
		var h domain.TaskHistory
		var old sql.NullString
		if err := rows.Scan(&h.ID, &h.TaskID, &h.ChangedBy, &old, &h.NewStatus, &h.Comment, &h.CreatedAt); err != nil {
			return nil, err
		}
		if old.Valid {
			h.OldStatus = &old.String
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

// CountTasksByStatus reports how many tasks sit in each status.
func (r Repo) CountTasksByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}
