package repo

import (
	"database/sql"
	"errors"
)

// Repo is a thin data-access layer over the SQLite store. Methods with a Tx
// parameter take part in a caller-owned transaction; the rest read through
// the pooled connection.
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const taskColumns = `id,patient_id,technician_id,assigned_doctor_id,assigned_by,status,priority,
technician_notes,admin_notes,doctor_feedback,assigned_at,completed_at,created_at,updated_at`

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
