package repo

import (
	"context"
	"database/sql"

	"ecgdesk/internal/domain"
)

const imageColumns = "id,patient_id,technician_id,image_path,image_name,file_size,mime_type,comment,status,created_at"

func (r Repo) InsertImage(ctx context.Context, tx *sql.Tx, img domain.ECGImage) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO ecg_images(patient_id,technician_id,image_path,image_name,file_size,mime_type,comment,status,created_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		img.PatientID, img.TechnicianID, img.ImagePath, img.ImageName, img.FileSize,
		img.MimeType, nullableStringPtr(img.Comment), img.Status, img.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func scanImage(scan func(dest ...any) error) (domain.ECGImage, error) {
	var img domain.ECGImage
	var comment sql.NullString
	err := scan(&img.ID, &img.PatientID, &img.TechnicianID, &img.ImagePath, &img.ImageName,
		&img.FileSize, &img.MimeType, &comment, &img.Status, &img.CreatedAt)
	if err == sql.ErrNoRows {
		return img, ErrNotFound
	}
	if err != nil {
		return img, err
	}
	if comment.Valid {
		img.Comment = &comment.String
	}
	return img, nil
}

// ListImagesByPatient returns a patient's images, newest first.
func (r Repo) ListImagesByPatient(ctx context.Context, patientID int64, limit, offset int) ([]domain.ECGImage, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+imageColumns+` FROM ecg_images WHERE patient_id=? ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		patientID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ECGImage
	for rows.Next() {
		img, err := scanImage(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, img)
	}
	return res, rows.Err()
}

func (r Repo) CountImagesByPatient(ctx context.Context, patientID int64) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM ecg_images WHERE patient_id=?`, patientID).Scan(&n)
	return n, err
}
