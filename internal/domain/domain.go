package domain

// User roles.
const (
	RoleAdmin      = "admin"
	RoleDoctor     = "doctor"
	RoleTechnician = "technician"
)

// Task statuses.
const (
	TaskPending    = "pending"
	TaskAssigned   = "assigned"
	TaskInProgress = "in_progress"
	TaskCompleted  = "completed"
	TaskCancelled  = "cancelled"
)

// Task priorities.
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// TaskStatuses lists every valid task status.
var TaskStatuses = []string{TaskPending, TaskAssigned, TaskInProgress, TaskCompleted, TaskCancelled}

// TaskPriorities lists every valid task priority.
var TaskPriorities = []string{PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent}

// Genders accepted on patient records; anything else is stored as absent.
var Genders = []string{"male", "female", "other"}

// Shifts accepted on duty roster rows.
var Shifts = []string{"morning", "afternoon", "evening", "night", "full_day"}

func ValidTaskStatus(s string) bool   { return contains(TaskStatuses, s) }
func ValidTaskPriority(p string) bool { return contains(TaskPriorities, p) }
func ValidGender(g string) bool       { return contains(Genders, g) }
func ValidShift(s string) bool        { return contains(Shifts, s) }

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

type User struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	Role      string `json:"role" enum:"admin,doctor,technician"`
	IsDuty    bool   `json:"is_duty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Patient struct {
	ID               int64   `json:"id"`
	PatientID        string  `json:"patient_id"`
	Name             string  `json:"name"`
	Age              *int    `json:"age,omitempty"`
	Gender           *string `json:"gender,omitempty" enum:"male,female,other"`
	Status           *string `json:"status,omitempty"`
	AssignedDoctorID *int64  `json:"assigned_doctor_id,omitempty"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
}

type ECGImage struct {
	ID           int64   `json:"id"`
	PatientID    int64   `json:"patient_id"`
	TechnicianID int64   `json:"technician_id"`
	ImagePath    string  `json:"image_path"`
	ImageName    string  `json:"image_name"`
	FileSize     int64   `json:"file_size"`
	MimeType     string  `json:"mime_type"`
	Comment      *string `json:"comment,omitempty"`
	Status       string  `json:"status"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
}

type Task struct {
	ID               int64   `json:"id"`
	PatientID        int64   `json:"patient_id"`
	TechnicianID     int64   `json:"technician_id"`
	AssignedDoctorID *int64  `json:"assigned_doctor_id,omitempty"`
	AssignedBy       *int64  `json:"assigned_by,omitempty"`
	Status           string  `json:"status" enum:"pending,assigned,in_progress,completed,cancelled"`
	Priority         string  `json:"priority" enum:"low,normal,high,urgent"`
	TechnicianNotes  string  `json:"technician_notes,omitempty"`
	AdminNotes       *string `json:"admin_notes,omitempty"`
	DoctorFeedback   *string `json:"doctor_feedback,omitempty"`
	AssignedAt       *string `json:"assigned_at,omitempty" format:"date-time"`
	CompletedAt      *string `json:"completed_at,omitempty" format:"date-time"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
	UpdatedAt        string  `json:"updated_at" format:"date-time"`
}

// TaskHistory is an append-only audit record; rows are never updated or
// deleted. OldStatus is nil only for the creation event.
type TaskHistory struct {
	ID        int64   `json:"id"`
	TaskID    int64   `json:"task_id"`
	ChangedBy int64   `json:"changed_by"`
	OldStatus *string `json:"old_status,omitempty"`
	NewStatus string  `json:"new_status"`
	Comment   string  `json:"comment"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

type DutyRosterEntry struct {
	ID       int64  `json:"id"`
	DoctorID int64  `json:"doctor_id"`
	DutyDate string `json:"duty_date" format:"date"`
	Shift    string `json:"shift" enum:"morning,afternoon,evening,night,full_day"`
	IsActive bool   `json:"is_active"`
}

// DutyDoctor is a roster row joined with the doctor's identity.
type DutyDoctor struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	Shift    string `json:"shift"`
	DutyDate string `json:"duty_date" format:"date"`
}

// DoctorListing is a doctor row decorated with duty information for the
// admin listing surface.
type DoctorListing struct {
	ID           int64   `json:"id"`
	Name         string  `json:"name"`
	Email        string  `json:"email"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
	IsDuty       bool    `json:"is_duty"`
	DutyRosterID *int64  `json:"duty_roster_id,omitempty"`
	DutyDate     *string `json:"duty_date,omitempty"`
	Shift        *string `json:"shift,omitempty"`
}

// TaskListing is a task row joined with the human-facing names the admin
// console renders alongside it.
type TaskListing struct {
	Task
	TechnicianName  string  `json:"technician_name,omitempty"`
	TechnicianEmail string  `json:"technician_email,omitempty"`
	DoctorName      *string `json:"doctor_name,omitempty"`
	DoctorEmail     *string `json:"doctor_email,omitempty"`
	AssignedByName  *string `json:"assigned_by_name,omitempty"`
	PatientName     string  `json:"patient_name,omitempty"`
	PatientIDString string  `json:"patient_id_str,omitempty"`
	PatientAge      *int    `json:"patient_age,omitempty"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    int64  `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
