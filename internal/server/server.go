// Package server exposes the clinical workflow engine over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"ecgdesk/internal/artifact"
	"ecgdesk/internal/domain"
	"ecgdesk/internal/engine"
	"ecgdesk/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Debug    bool
	Log      zerolog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"forbidden"`
	Message string         `json:"message" example:"not authorized to update this task"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the ECG workflow API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(requestLogger(cfg.Log))
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("ECG Desk API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	em := errorMapper{log: cfg.Log, debug: cfg.Debug}
	registerHealth(group)
	registerIntake(group, cfg.Engine, em)
	registerTasks(group, cfg.Engine, em)
	registerDoctors(group, cfg.Engine, em)
	registerImages(group, cfg.Engine, em)
	registerDevAuth(group, cfg.Engine, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", rec.status).
				Dur("duration", time.Since(start)).
				Msg("request")
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// errorMapper turns engine errors into the stable wire taxonomy. Internal
// detail strings only reach the caller when debug is on; everything is
// logged server-side regardless.
type errorMapper struct {
	log   zerolog.Logger
	debug bool
}

func (m errorMapper) handle(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		var details map[string]any
		if len(ve.Details) > 0 {
			details = map[string]any{"rejected": ve.Details}
		}
		return newAPIError(http.StatusBadRequest, "bad_request", ve.Msg, details)
	}
	var fe engine.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", fe.Msg, nil)
	}
	var ce engine.ConflictError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, "conflict", ce.Msg, nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	m.log.Error().Err(err).Msg("internal error")
	msg := "internal error"
	if m.debug {
		msg = err.Error()
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", msg, nil)
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func formValue(form multipart.Form, key string) string {
	if vs := form.Value[key]; len(vs) > 0 {
		return strings.TrimSpace(vs[0])
	}
	return ""
}

func formFiles(form multipart.Form, keys ...string) []*multipart.FileHeader {
	for _, key := range keys {
		if fs := form.File[key]; len(fs) > 0 {
			return fs
		}
	}
	return nil
}

func registerIntake(api huma.API, e engine.Engine, em errorMapper) {
	huma.Register(api, huma.Operation{
		OperationID:   "intake",
		Method:        http.MethodPost,
		Path:          "/intake",
		Summary:       "Technician intake: register patient, upload ECG images, create task",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		RawBody multipart.Form
	}) (*struct {
		Body IntakeResponse `json:"body"`
	}, error) {
		form := input.RawBody
		technicianID, authErr := resolveUserID(ctx, formValue(form, "technician_id"))
		if authErr != nil {
			return nil, authErr
		}

		opts := engine.IntakeOptions{
			TechnicianID:  technicianID,
			PatientName:   formValue(form, "patient_name"),
			PatientGender: formValue(form, "patient_gender"),
			Notes:         formValue(form, "notes"),
			Priority:      formValue(form, "priority"),
		}
		if raw := formValue(form, "patient_age"); raw != "" {
			age, err := strconv.Atoi(raw)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", fmt.Sprintf("invalid patient_age %q", raw), nil)
			}
			opts.PatientAge = &age
		}

		headers := formFiles(form, "images", "images[]")
		var closers []multipart.File
		defer func() {
			for _, f := range closers {
				f.Close()
			}
		}()
		for _, fh := range headers {
			f, err := fh.Open()
			if err != nil {
				return nil, em.handle(fmt.Errorf("open upload %s: %w", fh.Filename, err))
			}
			closers = append(closers, f)
			opts.Uploads = append(opts.Uploads, artifact.Upload{
				Filename: fh.Filename,
				MimeType: fh.Header.Get("Content-Type"),
				Size:     fh.Size,
				Content:  f,
			})
		}

		res, err := e.Intake(ctx, opts)
		if err != nil {
			return nil, em.handle(err)
		}
		out := IntakeResponse{
			Success:        true,
			TaskID:         res.Task.ID,
			PatientID:      res.Patient.PatientID,
			TaskStatus:     res.Task.Status,
			ImagesUploaded: len(res.Images),
			RejectedFiles:  res.Rejected,
		}
		if res.AssignedDoctor != nil {
			out.AssignedDoctor = &DoctorRef{ID: res.AssignedDoctor.ID, Name: res.AssignedDoctor.Name}
		}
		return &struct {
			Body IntakeResponse `json:"body"`
		}{Body: out}, nil
	})
}

// resolveUserID prefers the explicit request field and falls back to the
// authenticated principal.
func resolveUserID(ctx context.Context, explicit string) (int64, huma.StatusError) {
	if explicit != "" {
		id, err := strconv.ParseInt(explicit, 10, 64)
		if err != nil || id == 0 {
			return 0, newAPIError(http.StatusBadRequest, "bad_request", fmt.Sprintf("invalid user id %q", explicit), nil)
		}
		return id, nil
	}
	return userIDFromContext(ctx)
}

func registerTasks(api huma.API, e engine.Engine, em errorMapper) {
	type taskPath struct {
		TaskID int64 `path:"task_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
	}, func(ctx context.Context, input *struct {
		Status       string `query:"status" enum:"pending,assigned,in_progress,completed,cancelled" required:"false"`
		DoctorID     int64  `query:"doctor_id" required:"false"`
		TechnicianID int64  `query:"technician_id" required:"false"`
		Limit        int    `query:"limit" required:"false"`
		Offset       int    `query:"offset" required:"false"`
	}) (*struct {
		Body TaskListResponse `json:"body"`
	}, error) {
		tasks, err := e.ListTasks(ctx, repo.TaskFilters{
			Status:       input.Status,
			DoctorID:     input.DoctorID,
			TechnicianID: input.TechnicianID,
			Limit:        input.Limit,
			Offset:       input.Offset,
		})
		if err != nil {
			return nil, em.handle(err)
		}
		return &struct {
			Body TaskListResponse `json:"body"`
		}{Body: TaskListResponse{Tasks: tasks, Count: len(tasks)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get one task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		task, err := e.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, em.handle(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: TaskResponse{Task: task}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task-status",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/status",
		Summary:     "Update task status",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		TaskID int64                   `path:"task_id"`
		Body   UpdateTaskStatusRequest `json:"body"`
	}) (*struct {
		Body UpdateTaskStatusResponse `json:"body"`
	}, error) {
		userID := input.Body.UserID
		if userID == 0 {
			id, authErr := userIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			userID = id
		}
		task, err := e.UpdateTaskStatus(ctx, engine.UpdateStatusOptions{
			TaskID:   input.TaskID,
			UserID:   userID,
			Status:   input.Body.Status,
			Feedback: input.Body.Feedback,
		})
		if err != nil {
			return nil, em.handle(err)
		}
		return &struct {
			Body UpdateTaskStatusResponse `json:"body"`
		}{Body: UpdateTaskStatusResponse{Success: true, Task: task}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-history",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/history",
		Summary:     "Task status history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body TaskHistoryResponse `json:"body"`
	}, error) {
		hist, err := e.TaskHistory(ctx, input.TaskID)
		if err != nil {
			return nil, em.handle(err)
		}
		return &struct {
			Body TaskHistoryResponse `json:"body"`
		}{Body: TaskHistoryResponse{History: hist, Count: len(hist)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-images",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/images",
		Summary:     "ECG images for a task's patient",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID int64 `path:"task_id"`
		Limit  int   `query:"limit" required:"false"`
		Offset int   `query:"offset" required:"false"`
	}) (*struct {
		Body ImageListResponse `json:"body"`
	}, error) {
		images, total, err := e.TaskImages(ctx, input.TaskID, input.Limit, input.Offset)
		if err != nil {
			return nil, em.handle(err)
		}
		return &struct {
			Body ImageListResponse `json:"body"`
		}{Body: ImageListResponse{Images: images, Total: total}}, nil
	})
}

func registerImages(api huma.API, e engine.Engine, em errorMapper) {
	huma.Register(api, huma.Operation{
		OperationID: "patient-images",
		Method:      http.MethodGet,
		Path:        "/patients/{patient_id}/images",
		Summary:     "ECG images for a patient",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PatientID int64 `path:"patient_id"`
		Limit     int   `query:"limit" required:"false"`
		Offset    int   `query:"offset" required:"false"`
	}) (*struct {
		Body ImageListResponse `json:"body"`
	}, error) {
		images, total, err := e.PatientImages(ctx, input.PatientID, input.Limit, input.Offset)
		if err != nil {
			return nil, em.handle(err)
		}
		return &struct {
			Body ImageListResponse `json:"body"`
		}{Body: ImageListResponse{Images: images, Total: total}}, nil
	})
}

func registerDoctors(api huma.API, e engine.Engine, em errorMapper) {
	huma.Register(api, huma.Operation{
		OperationID: "list-doctors",
		Method:      http.MethodGet,
		Path:        "/doctors",
		Summary:     "List doctors with duty information",
	}, func(ctx context.Context, input *struct {
		Search string `query:"search" required:"false"`
		Limit  int    `query:"limit" required:"false"`
		Offset int    `query:"offset" required:"false"`
	}) (*struct {
		Body DoctorListResponse `json:"body"`
	}, error) {
		doctors, total, err := e.ListDoctors(ctx, input.Search, input.Limit, input.Offset)
		if err != nil {
			return nil, em.handle(err)
		}
		return &struct {
			Body DoctorListResponse `json:"body"`
		}{Body: DoctorListResponse{Doctors: doctors, Total: total}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "duty-doctors",
		Method:      http.MethodGet,
		Path:        "/doctors/duty",
		Summary:     "Doctors on the duty roster for a date",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Date  string `query:"date" required:"false"`
		Shift string `query:"shift" enum:"morning,afternoon,evening,night,full_day" required:"false"`
	}) (*struct {
		Body DutyDoctorListResponse `json:"body"`
	}, error) {
		doctors, err := e.DutyDoctors(ctx, input.Date, input.Shift)
		if err != nil {
			return nil, em.handle(err)
		}
		date := input.Date
		if date == "" {
			date = time.Now().UTC().Format("2006-01-02")
		}
		return &struct {
			Body DutyDoctorListResponse `json:"body"`
		}{Body: DutyDoctorListResponse{Date: date, Doctors: doctors, Count: len(doctors)}}, nil
	})
}

func registerDevAuth(api huma.API, e engine.Engine, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		var user domain.User
		var err error
		switch {
		case input.Body.UserID != 0:
			user, err = e.Repo.GetUser(ctx, input.Body.UserID)
		case strings.TrimSpace(input.Body.Email) != "":
			user, err = e.Repo.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(input.Body.Email)))
		default:
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "user_id or email is required", nil)
		}
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil, newAPIError(http.StatusNotFound, "not_found", "user not found", nil)
			}
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		token, err := signToken(authCfg.JWTSecret, user.ID, user.Role, 24*time.Hour)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}
