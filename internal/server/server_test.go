package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"ecgdesk/internal/config"
	"ecgdesk/internal/db"
	"ecgdesk/internal/domain"
	"ecgdesk/internal/engine"
	"ecgdesk/internal/migrate"
)

type testServer struct {
	URL        string
	Client     *http.Client
	Admin      domain.User
	Doctor     domain.User
	Technician domain.User
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Uploads.Dir = filepath.Join(workspace, "uploads")
	e := engine.New(conn, cfg, zerolog.Nop())
	e.Now = func() time.Time { return time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	admin, err := e.CreateUser(ctx, "Admin User", "admin@example.com", domain.RoleAdmin)
	if err != nil {
		t.Fatal(err)
	}
	doctor, err := e.CreateUser(ctx, "Doctor User", "doctor@example.com", domain.RoleDoctor)
	if err != nil {
		t.Fatal(err)
	}
	tech, err := e.CreateUser(ctx, "Technician User", "tech@example.com", domain.RoleTechnician)
	if err != nil {
		t.Fatal(err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v1",
		Auth: AuthConfig{
			JWTSecret:              "test-secret",
			AllowLegacyActorHeader: true,
			Logger:                 zerolog.Nop(),
		},
		Log: zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		ln.Close()
		conn.Close()
	})
	return &testServer{
		URL:        "http://" + ln.Addr().String(),
		Client:     &http.Client{},
		Admin:      admin,
		Doctor:     doctor,
		Technician: tech,
	}
}

func doJSON(t *testing.T, s *testServer, method, path string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	return resp, data
}

func actorHeader(userID int64) map[string]string {
	return map[string]string{"X-Actor-Id": fmt.Sprintf("%d", userID)}
}

func intakeForm(t *testing.T, technicianID int64, files map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	_ = w.WriteField("patient_name", "John Doe")
	_ = w.WriteField("patient_age", "45")
	_ = w.WriteField("patient_gender", "male")
	_ = w.WriteField("priority", "high")
	_ = w.WriteField("technician_id", fmt.Sprintf("%d", technicianID))
	for name, mime := range files {
		h := textproto.MIMEHeader{}
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="images"; filename="%s"`, name))
		h.Set("Content-Type", mime)
		part, err := w.CreatePart(h)
		if err != nil {
			t.Fatalf("create part: %v", err)
		}
		part.Write([]byte("ecg image bytes"))
	}
	w.Close()
	return buf, w.FormDataContentType()
}

func TestHealthNeedsNoAuth(t *testing.T) {
	s := newTestServer(t)
	resp, body := doJSON(t, s, http.MethodGet, "/v1/health", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", resp.StatusCode, body)
	}
}

func TestUnauthenticatedRejected(t *testing.T) {
	s := newTestServer(t)
	resp, body := doJSON(t, s, http.MethodGet, "/v1/tasks", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("want 401, got %d %s", resp.StatusCode, body)
	}
}

func TestIntakeMultipart(t *testing.T) {
	s := newTestServer(t)
	buf, contentType := intakeForm(t, s.Technician.ID, map[string]string{
		"good.png": "image/png",
		"junk.pdf": "application/pdf",
	})
	req, err := http.NewRequest(http.MethodPost, s.URL+"/v1/intake", buf)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Actor-Id", fmt.Sprintf("%d", s.Technician.ID))
	resp, err := s.Client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("want 201, got %d %s", resp.StatusCode, data)
	}
	var out IntakeResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode: %v (%s)", err, data)
	}
	if !out.Success || out.TaskID == 0 {
		t.Fatalf("unexpected response: %+v", out)
	}
	if out.PatientID != "PAT20240101001" {
		t.Fatalf("unexpected patient id %q", out.PatientID)
	}
	if out.ImagesUploaded != 1 || len(out.RejectedFiles) != 1 {
		t.Fatalf("want 1 stored and 1 rejected, got %+v", out)
	}
	if out.RejectedFiles[0].Filename != "junk.pdf" {
		t.Fatalf("unexpected rejection: %+v", out.RejectedFiles[0])
	}
}

func TestUpdateStatusAuthorizationOverHTTP(t *testing.T) {
	s := newTestServer(t)
	buf, contentType := intakeForm(t, s.Technician.ID, map[string]string{"a.png": "image/png"})
	req, _ := http.NewRequest(http.MethodPost, s.URL+"/v1/intake", buf)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Actor-Id", fmt.Sprintf("%d", s.Technician.ID))
	resp, err := s.Client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	var created IntakeResponse
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("decode intake: %v (%s)", err, data)
	}

	path := fmt.Sprintf("/v1/tasks/%d/status", created.TaskID)
	resp, body := doJSON(t, s, http.MethodPost, path,
		UpdateTaskStatusRequest{Status: "completed"}, actorHeader(s.Technician.ID))
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("technician should be forbidden, got %d %s", resp.StatusCode, body)
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("decode error envelope: %v (%s)", err, body)
	}
	if envelope.Error.Code != "forbidden" {
		t.Fatalf("want forbidden code, got %q", envelope.Error.Code)
	}

	resp, body = doJSON(t, s, http.MethodPost, path,
		UpdateTaskStatusRequest{Status: "completed"}, actorHeader(s.Admin.ID))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin update failed: %d %s", resp.StatusCode, body)
	}
	var out UpdateTaskStatusResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if !out.Success || out.Task.Status != "completed" || out.Task.CompletedAt == nil {
		t.Fatalf("unexpected update response: %+v", out)
	}
}

func TestBadStatusIsBadRequest(t *testing.T) {
	s := newTestServer(t)
	resp, body := doJSON(t, s, http.MethodPost, "/v1/tasks/1/status",
		map[string]any{"status": "done"}, actorHeader(s.Admin.ID))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("want 400 for bad status, got %d %s", resp.StatusCode, body)
	}
}

func TestMissingTaskIsNotFound(t *testing.T) {
	s := newTestServer(t)
	resp, body := doJSON(t, s, http.MethodGet, "/v1/tasks/9999", nil, actorHeader(s.Admin.ID))
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("want 404, got %d %s", resp.StatusCode, body)
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatal(err)
	}
	if envelope.Error.Code != "not_found" {
		t.Fatalf("want not_found code, got %q", envelope.Error.Code)
	}
}

func TestDevLoginMintsUsableToken(t *testing.T) {
	s := newTestServer(t)
	resp, body := doJSON(t, s, http.MethodPost, "/v1/auth/dev/login",
		DevLoginRequest{Email: "doctor@example.com"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("dev login: %d %s", resp.StatusCode, body)
	}
	var out DevLoginResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if out.Token == "" {
		t.Fatalf("empty token")
	}

	resp, body = doJSON(t, s, http.MethodGet, "/v1/tasks", nil, map[string]string{
		"Authorization": "Bearer " + out.Token,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("bearer request failed: %d %s", resp.StatusCode, body)
	}
}

func TestListDoctorsShowsDuty(t *testing.T) {
	s := newTestServer(t)
	resp, body := doJSON(t, s, http.MethodGet, "/v1/doctors", nil, actorHeader(s.Admin.ID))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list doctors: %d %s", resp.StatusCode, body)
	}
	var out DoctorListResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if out.Total != 1 || out.Doctors[0].Email != "doctor@example.com" {
		t.Fatalf("unexpected doctors: %+v", out)
	}
}
