// Package engine orchestrates the clinical workflow: technician intake and
// task status transitions, each executed in a single transaction.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"ecgdesk/internal/artifact"
	"ecgdesk/internal/config"
	"ecgdesk/internal/domain"
	"ecgdesk/internal/duty"
	"ecgdesk/internal/history"
	"ecgdesk/internal/repo"
)

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	History history.Writer
	Store   artifact.Store
	Duty    duty.Resolver
	Config  *config.Config
	Log     zerolog.Logger
	Now     func() time.Time
}

func New(db *sql.DB, cfg *config.Config, log zerolog.Logger) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:   db,
		Repo: r,
		Store: artifact.Store{
			Dir:          cfg.Uploads.Dir,
			MaxFileSize:  cfg.Uploads.MaxFileSize,
			AllowedMIMEs: cfg.Uploads.AllowedMIMEs,
		},
		Duty:   duty.Resolver{Repo: r, Capabilities: cfg.Capabilities},
		Config: cfg,
		Log:    log,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) historyWriter() history.Writer {
	w := e.History
	if w.Now == nil {
		w.Now = e.Now
	}
	return w
}

func (e Engine) store() artifact.Store {
	s := e.Store
	if s.Now == nil {
		s.Now = e.Now
	}
	return s
}

// IntakeOptions carries everything one technician intake submits.
type IntakeOptions struct {
	TechnicianID  int64
	PatientName   string
	PatientAge    *int
	PatientGender string
	Notes         string
	Priority      string
	Uploads       []artifact.Upload
}

// IntakeResult reports what one intake produced, including per-file
// rejections for uploads that failed validation.
type IntakeResult struct {
	Patient        domain.Patient
	Task           domain.Task
	Images         []domain.ECGImage
	Rejected       []artifact.Rejection
	AssignedDoctor *domain.User
}

// Intake registers a patient, stores the uploaded ECG images, creates the
// task, and hands it to the duty doctor if one is on duty. The database side
// is one transaction; files written to disk are removed again if it fails.
func (e Engine) Intake(ctx context.Context, opts IntakeOptions) (IntakeResult, error) {
	if strings.TrimSpace(opts.PatientName) == "" {
		return IntakeResult{}, ValidationError{Msg: "patient name is required"}
	}
	if opts.PatientAge != nil && (*opts.PatientAge < 0 || *opts.PatientAge > 150) {
		return IntakeResult{}, validationf("patient age %d out of range", *opts.PatientAge)
	}
	opts.Priority = strings.ToLower(strings.TrimSpace(opts.Priority))
	if !domain.ValidTaskPriority(opts.Priority) {
		opts.Priority = domain.PriorityNormal
	}
	if len(opts.Uploads) == 0 {
		return IntakeResult{}, ValidationError{Msg: "at least one ECG image is required"}
	}

	tech, err := e.Repo.GetUser(ctx, opts.TechnicianID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return IntakeResult{}, fmt.Errorf("technician %d: %w", opts.TechnicianID, err)
		}
		return IntakeResult{}, err
	}
	if tech.Role != domain.RoleTechnician {
		return IntakeResult{}, ForbiddenError{Msg: "only technicians can submit an intake"}
	}

	// Reject the whole batch before any storage when no file would survive.
	store := e.store()
	valid := 0
	var details []string
	for _, u := range opts.Uploads {
		if reason := store.Validate(u); reason != "" {
			details = append(details, fmt.Sprintf("%s: %s", u.Filename, reason))
			continue
		}
		valid++
	}
	if valid == 0 {
		return IntakeResult{}, ValidationError{Msg: "no valid ECG images in upload", Details: details}
	}

	now := e.now().UTC()
	ts := now.Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return IntakeResult{}, err
	}
	defer tx.Rollback()

	publicID, err := e.Repo.NextPatientID(ctx, tx, now)
	if err != nil {
		return IntakeResult{}, fmt.Errorf("reserve patient id: %w", err)
	}

	patient := domain.Patient{
		PatientID: publicID,
		Name:      strings.TrimSpace(opts.PatientName),
		Age:       opts.PatientAge,
		CreatedAt: ts,
	}
	if g := strings.ToLower(strings.TrimSpace(opts.PatientGender)); domain.ValidGender(g) {
		patient.Gender = &g
	}
	if e.Config.Capabilities.PatientStatus {
		status := domain.TaskPending
		patient.Status = &status
	}
	patient.ID, err = e.Repo.InsertPatient(ctx, tx, patient)
	if err != nil {
		return IntakeResult{}, conflictIfUnique(err, fmt.Sprintf("patient id %s already exists", publicID))
	}

	saved, rejected, err := store.SaveBatch(publicID, opts.Uploads)
	if err != nil {
		return IntakeResult{}, err
	}
	fail := func(err error) (IntakeResult, error) {
		store.Cleanup(saved)
		return IntakeResult{}, err
	}

	var images []domain.ECGImage
	for _, f := range saved {
		img := domain.ECGImage{
			PatientID:    patient.ID,
			TechnicianID: tech.ID,
			ImagePath:    f.Path,
			ImageName:    f.Name,
			FileSize:     f.Size,
			MimeType:     f.MimeType,
			Status:       "active",
			CreatedAt:    ts,
		}
		img.ID, err = e.Repo.InsertImage(ctx, tx, img)
		if err != nil {
			return fail(fmt.Errorf("insert image %s: %w", f.Name, err))
		}
		images = append(images, img)
	}

	task := domain.Task{
		PatientID:       patient.ID,
		TechnicianID:    tech.ID,
		Status:          domain.TaskPending,
		Priority:        opts.Priority,
		TechnicianNotes: strings.TrimSpace(opts.Notes),
		CreatedAt:       ts,
		UpdatedAt:       ts,
	}
	task.ID, err = e.Repo.InsertTask(ctx, tx, task)
	if err != nil {
		return fail(fmt.Errorf("insert task: %w", err))
	}
	hw := e.historyWriter()
	if err := hw.Append(ctx, tx, task.ID, tech.ID, nil, domain.TaskPending, "Task created by technician"); err != nil {
		return fail(err)
	}

	var assigned *domain.User
	doc, ok, err := e.Duty.Current(ctx, tx, now)
	if err != nil {
		return fail(err)
	}
	if ok {
		if err := e.Repo.AssignTask(ctx, tx, task.ID, doc.ID, ts); err != nil {
			return fail(fmt.Errorf("assign task: %w", err))
		}
		old := domain.TaskPending
		if err := hw.Append(ctx, tx, task.ID, tech.ID, &old, domain.TaskAssigned, "Auto-assigned to current duty doctor"); err != nil {
			return fail(err)
		}
		var patientStatus *string
		if e.Config.Capabilities.PatientStatus {
			s := domain.TaskInProgress
			patientStatus = &s
		}
		if err := e.Repo.AssignPatient(ctx, tx, patient.ID, doc.ID, patientStatus); err != nil {
			return fail(fmt.Errorf("assign patient: %w", err))
		}
		task.Status = domain.TaskAssigned
		task.AssignedDoctorID = &doc.ID
		task.AssignedAt = &ts
		task.UpdatedAt = ts
		patient.AssignedDoctorID = &doc.ID
		patient.Status = patientStatus
		d := doc
		assigned = &d
	}

	if err := tx.Commit(); err != nil {
		return fail(err)
	}

	ev := e.Log.Info().
		Int64("task_id", task.ID).
		Str("patient_id", publicID).
		Int64("technician_id", tech.ID).
		Int("images", len(images)).
		Int("rejected", len(rejected))
	if assigned != nil {
		ev = ev.Int64("doctor_id", assigned.ID)
	}
	ev.Msg("intake completed")

	return IntakeResult{
		Patient:        patient,
		Task:           task,
		Images:         images,
		Rejected:       rejected,
		AssignedDoctor: assigned,
	}, nil
}

// UpdateStatusOptions carries one status transition request.
type UpdateStatusOptions struct {
	TaskID   int64
	UserID   int64
	Status   string
	Feedback *string
}

// UpdateTaskStatus moves a task to a new status. Admins may update any task;
// doctors only the tasks assigned to them. completed_at is written once and
// never overwritten on repeated completion.
func (e Engine) UpdateTaskStatus(ctx context.Context, opts UpdateStatusOptions) (domain.Task, error) {
	opts.Status = strings.ToLower(strings.TrimSpace(opts.Status))
	if !domain.ValidTaskStatus(opts.Status) {
		return domain.Task{}, validationf("invalid status %q", opts.Status)
	}
	user, err := e.Repo.GetUser(ctx, opts.UserID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Task{}, fmt.Errorf("user %d: %w", opts.UserID, err)
		}
		return domain.Task{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	task, err := e.Repo.GetTaskTx(ctx, tx, opts.TaskID)
	if err != nil {
		return domain.Task{}, err
	}

	switch {
	case user.Role == domain.RoleAdmin:
	case user.Role == domain.RoleDoctor && task.AssignedDoctorID != nil && *task.AssignedDoctorID == user.ID:
	default:
		return domain.Task{}, ForbiddenError{Msg: "not authorized to update this task"}
	}

	ts := e.now().UTC().Format(time.RFC3339)
	var completedAt *string
	if opts.Status == domain.TaskCompleted && task.CompletedAt == nil {
		completedAt = &ts
	}
	var feedback *string
	comment := "Status updated"
	if opts.Feedback != nil && strings.TrimSpace(*opts.Feedback) != "" {
		fb := strings.TrimSpace(*opts.Feedback)
		feedback = &fb
		excerpt := fb
		if len(excerpt) > 100 {
			excerpt = excerpt[:100]
		}
		comment = "Feedback: " + excerpt
	}

	if err := e.Repo.UpdateTaskStatus(ctx, tx, task.ID, opts.Status, feedback, completedAt, ts); err != nil {
		return domain.Task{}, err
	}
	old := task.Status
	if err := e.historyWriter().Append(ctx, tx, task.ID, user.ID, &old, opts.Status, comment); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}

	e.Log.Info().
		Int64("task_id", task.ID).
		Int64("user_id", user.ID).
		Str("from", old).
		Str("to", opts.Status).
		Msg("task status updated")

	task.Status = opts.Status
	task.UpdatedAt = ts
	if feedback != nil {
		task.DoctorFeedback = feedback
	}
	if completedAt != nil {
		task.CompletedAt = completedAt
	}
	return task, nil
}

// GetTask returns one task.
func (e Engine) GetTask(ctx context.Context, id int64) (domain.Task, error) {
	return e.Repo.GetTask(ctx, id)
}

// ListTasks returns tasks matching the filters, joined with identity columns.
func (e Engine) ListTasks(ctx context.Context, f repo.TaskFilters) ([]domain.TaskListing, error) {
	if f.Status != "" && !domain.ValidTaskStatus(f.Status) {
		return nil, validationf("invalid status %q", f.Status)
	}
	return e.Repo.ListTasks(ctx, f)
}

// TaskHistory returns the task's audit trail in append order.
func (e Engine) TaskHistory(ctx context.Context, taskID int64) ([]domain.TaskHistory, error) {
	if _, err := e.Repo.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return e.Repo.ListTaskHistory(ctx, taskID)
}

// TaskImages returns the images for the task's patient, newest first, with
// the total image count for the patient.
func (e Engine) TaskImages(ctx context.Context, taskID int64, limit, offset int) ([]domain.ECGImage, int, error) {
	task, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, 0, err
	}
	return e.patientImages(ctx, task.PatientID, limit, offset)
}

// PatientImages returns a patient's images, newest first, with the total.
func (e Engine) PatientImages(ctx context.Context, patientID int64, limit, offset int) ([]domain.ECGImage, int, error) {
	if _, err := e.Repo.GetPatient(ctx, patientID); err != nil {
		return nil, 0, err
	}
	return e.patientImages(ctx, patientID, limit, offset)
}

func (e Engine) patientImages(ctx context.Context, patientID int64, limit, offset int) ([]domain.ECGImage, int, error) {
	images, err := e.Repo.ListImagesByPatient(ctx, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	total, err := e.Repo.CountImagesByPatient(ctx, patientID)
	if err != nil {
		return nil, 0, err
	}
	return images, total, nil
}

// ListDoctors returns doctors with today's duty information and the total
// matching the search.
func (e Engine) ListDoctors(ctx context.Context, search string, limit, offset int) ([]domain.DoctorListing, int, error) {
	today := e.now().UTC().Format("2006-01-02")
	doctors, err := e.Repo.ListDoctors(ctx, search, today, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	total, err := e.Repo.CountDoctors(ctx, search)
	if err != nil {
		return nil, 0, err
	}
	return doctors, total, nil
}

// DutyDoctors returns the active roster for a date, optionally narrowed to a
// shift. Date defaults to today.
func (e Engine) DutyDoctors(ctx context.Context, date, shift string) ([]domain.DutyDoctor, error) {
	if date == "" {
		date = e.now().UTC().Format("2006-01-02")
	}
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return nil, validationf("invalid date %q, want YYYY-MM-DD", date)
	}
	if shift != "" && !domain.ValidShift(shift) {
		return nil, validationf("invalid shift %q", shift)
	}
	return e.Repo.ListDutyDoctors(ctx, date, shift)
}

// CreateUser registers a user after validating role and email.
func (e Engine) CreateUser(ctx context.Context, name, email, role string) (domain.User, error) {
	name = strings.TrimSpace(name)
	email = strings.ToLower(strings.TrimSpace(email))
	if name == "" {
		return domain.User{}, ValidationError{Msg: "name is required"}
	}
	if email == "" || !strings.Contains(email, "@") {
		return domain.User{}, validationf("invalid email %q", email)
	}
	switch role {
	case domain.RoleAdmin, domain.RoleDoctor, domain.RoleTechnician:
	default:
		return domain.User{}, validationf("invalid role %q", role)
	}
	u := domain.User{
		Name:      name,
		Email:     email,
		Role:      role,
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	id, err := e.Repo.InsertUser(ctx, u)
	if err != nil {
		return domain.User{}, conflictIfUnique(err, fmt.Sprintf("email %s already registered", email))
	}
	u.ID = id
	return u, nil
}

// SetDutyDoctor puts a doctor on duty, exclusively by default so at most one
// doctor carries the flag.
func (e Engine) SetDutyDoctor(ctx context.Context, doctorID int64, onDuty bool) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.SetDuty(ctx, tx, doctorID, onDuty, true); err != nil {
		return err
	}
	return tx.Commit()
}
