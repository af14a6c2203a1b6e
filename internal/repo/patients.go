package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"ecgdesk/internal/domain"
)

// NextPatientID reserves the next public patient identifier for the given
// day inside the caller's transaction. The per-day counter row is upserted
// atomically so concurrent intakes never observe the same sequence value.
func (r Repo) NextPatientID(ctx context.Context, tx *sql.Tx, now time.Time) (string, error) {
	day := now.Format("20060102")
	var counter int
	err := tx.QueryRowContext(ctx, `INSERT INTO patient_id_counters(day, counter) VALUES (?, 1)
ON CONFLICT(day) DO UPDATE SET counter = counter + 1
RETURNING counter`, day).Scan(&counter)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("PAT%s%03d", day, counter), nil
}

func (r Repo) InsertPatient(ctx context.Context, tx *sql.Tx, p domain.Patient) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO patients(patient_id,name,age,gender,status,assigned_doctor_id,created_at)
VALUES (?,?,?,?,?,?,?)`,
		p.PatientID, p.Name, nullableIntPtr(p.Age), nullableStringPtr(p.Gender),
		nullableStringPtr(p.Status), nullableInt64Ptr(p.AssignedDoctorID), p.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func scanPatient(scan func(dest ...any) error) (domain.Patient, error) {
	var p domain.Patient
	var age sql.NullInt64
	var gender, status sql.NullString
	var doctorID sql.NullInt64
	err := scan(&p.ID, &p.PatientID, &p.Name, &age, &gender, &status, &doctorID, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if age.Valid {
		v := int(age.Int64)
		p.Age = &v
	}
	if gender.Valid {
		p.Gender = &gender.String
	}
	if status.Valid {
		p.Status = &status.String
	}
	if doctorID.Valid {
		p.AssignedDoctorID = &doctorID.Int64
	}
	return p, nil
}

const patientColumns = "id,patient_id,name,age,gender,status,assigned_doctor_id,created_at"

func (r Repo) GetPatient(ctx context.Context, id int64) (domain.Patient, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+patientColumns+` FROM patients WHERE id=?`, id)
	return scanPatient(row.Scan)
}

// GetPatientByPublicID looks up a patient by the PAT-prefixed identifier.
func (r Repo) GetPatientByPublicID(ctx context.Context, patientID string) (domain.Patient, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+patientColumns+` FROM patients WHERE patient_id=?`, patientID)
	return scanPatient(row.Scan)
}

// AssignPatient marks the patient as under care of the given doctor. The
// status column is only touched when status is non-nil.
func (r Repo) AssignPatient(ctx context.Context, tx *sql.Tx, id, doctorID int64, status *string) error {
	if status != nil {
		_, err := tx.ExecContext(ctx, `UPDATE patients SET assigned_doctor_id=?, status=? WHERE id=?`, doctorID, *status, id)
		return err
	}
	_, err := tx.ExecContext(ctx, `UPDATE patients SET assigned_doctor_id=? WHERE id=?`, doctorID, id)
	return err
}
