package server

import (
	"ecgdesk/internal/artifact"
	"ecgdesk/internal/domain"
)

// Request payloads

type UpdateTaskStatusRequest struct {
	UserID   int64   `json:"user_id,omitempty"`
	Status   string  `json:"status" doc:"Target status, case-insensitive"`
	Feedback *string `json:"feedback,omitempty"`
}

type DevLoginRequest struct {
	UserID int64  `json:"user_id,omitempty"`
	Email  string `json:"email,omitempty"`
}

// Response payloads

type DevLoginResponse struct {
	Token string `json:"token"`
}

type DoctorRef struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type IntakeResponse struct {
	Success        bool                 `json:"success"`
	TaskID         int64                `json:"task_id"`
	PatientID      string               `json:"patient_id"`
	TaskStatus     string               `json:"task_status"`
	ImagesUploaded int                  `json:"images_uploaded"`
	RejectedFiles  []artifact.Rejection `json:"rejected_files,omitempty"`
	AssignedDoctor *DoctorRef           `json:"assigned_doctor,omitempty"`
}

type TaskResponse struct {
	Task domain.Task `json:"task"`
}

type UpdateTaskStatusResponse struct {
	Success bool        `json:"success"`
	Task    domain.Task `json:"task"`
}

type TaskListResponse struct {
	Tasks []domain.TaskListing `json:"tasks"`
	Count int                  `json:"count"`
}

type TaskHistoryResponse struct {
	History []domain.TaskHistory `json:"history"`
	Count   int                  `json:"count"`
}

type ImageListResponse struct {
	Images []domain.ECGImage `json:"images"`
	Total  int               `json:"total"`
}

type DoctorListResponse struct {
	Doctors []domain.DoctorListing `json:"doctors"`
	Total   int                    `json:"total"`
}

type DutyDoctorListResponse struct {
	Date    string              `json:"date"`
	Doctors []domain.DutyDoctor `json:"doctors"`
	Count   int                 `json:"count"`
}
