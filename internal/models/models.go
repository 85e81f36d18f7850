package models

import (
	"strings"
	"time"
)

// UserRole represents user permission levels
type UserRole string

const (
	RoleAdmin    UserRole = "admin"
	RoleOperator UserRole = "operator"
	RoleReadOnly UserRole = "readonly"
)

// User represents a system user for authentication
type User struct {
	ID           int64     `json:"id" db:"id"`
	Username     string    `json:"username" db:"username"`
	PasswordHash string    `json:"-" db:"password_hash"`
	Role         UserRole  `json:"role" db:"role"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// JobType identifies the kind of work a job performs
type JobType string

const (
	JobTypeBackup  JobType = "backup"
	JobTypeRestore JobType = "restore"
	JobTypeVerify  JobType = "verify"
	JobTypeClean   JobType = "clean"
)

// JobStatus represents the lifecycle state of a job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
	JobStatusPaused    JobStatus = "paused"
)

// IsTerminal reports whether a job in this state will never transition again.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// JobParams carries the inputs of a job
type JobParams struct {
	SourcePath      string   `json:"source_path,omitempty"`
	DestinationPath string   `json:"destination_path,omitempty"`
	Label           string   `json:"label,omitempty"`
	Excludes        []string `json:"excludes,omitempty"`
}

// JobProgress is the live view of a running job
type JobProgress struct {
	CurrentOperation string  `json:"current_operation"`
	LinesProcessed   int64   `json:"lines_processed"`
	BytesProcessed   int64   `json:"bytes_processed"`
	Percentage       float64 `json:"percentage"`
	CurrentTape      string  `json:"current_tape,omitempty"`
}

// Job is the manager's record of one unit of work
type Job struct {
	ID           string      `json:"id"`
	Type         JobType     `json:"type"`
	Status       JobStatus   `json:"status"`
	Params       JobParams   `json:"params"`
	Progress     JobProgress `json:"progress"`
	StartTime    *time.Time  `json:"start_time,omitempty"`
	EndTime      *time.Time  `json:"end_time,omitempty"`
	ErrorMessage string      `json:"error_message,omitempty"`
	TapesUsed    []string    `json:"tapes_used,omitempty"`
	ManifestPath string      `json:"manifest_path,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}

// RegistryEntry is one completed backup in the catalog
type RegistryEntry struct {
	Timestamp    time.Time `json:"timestamp"`
	Label        string    `json:"label"`
	Tapes        []string  `json:"tapes"`
	FileIndex    int       `json:"file_index"`
	ManifestPath string    `json:"manifest_path"`
}

// ResourceStatus classifies a resource reading
type ResourceStatus string

const (
	ResourceOK       ResourceStatus = "ok"
	ResourceWarning  ResourceStatus = "warning"
	ResourceCritical ResourceStatus = "critical"
)

// ResourceSnapshot is a point-in-time view of host memory and disk
type ResourceSnapshot struct {
	MemoryTotal     uint64    `json:"memory_total"`
	MemoryAvailable uint64    `json:"memory_available"`
	MemoryUsedPct   float64   `json:"memory_used_pct"`
	DiskFree        uint64    `json:"disk_free"`
	DiskUsedPct     float64   `json:"disk_used_pct"`
	TakenAt         time.Time `json:"taken_at"`
}

// MemoryAssessment is the outcome of classifying a buffer request
type MemoryAssessment struct {
	Status      ResourceStatus `json:"status"`
	Reason      string         `json:"reason"`
	Requested   uint64         `json:"requested"`
	Recommended uint64         `json:"recommended"`
}

// BufferPlan is the concrete mbuffer invocation shape
type BufferPlan struct {
	SizeBytes   uint64 `json:"size_bytes"`
	FillPercent int    `json:"fill_percent"`
	BlockSize   uint64 `json:"block_size"`
}

// DriveStatus represents the state of a tape drive as reported by mt
type DriveStatus struct {
	DevicePath      string    `json:"device_path"`
	Online          bool      `json:"online"`
	WriteProtect    bool      `json:"write_protect"`
	CleaningNeeded  bool      `json:"cleaning_needed"`
	BOT             bool      `json:"bot"`
	EOF             bool      `json:"eof"`
	FileNumber      int       `json:"file_number"`
	BlockNumber     int       `json:"block_number"`
	DensityCode     string    `json:"density_code"`
	LastChecked     time.Time `json:"last_checked"`
}

// LTOCapacities maps LTO generation to native capacity in bytes
var LTOCapacities = map[string]int64{
	"LTO-1":  100000000000,   // 100 GB
	"LTO-2":  200000000000,   // 200 GB
	"LTO-3":  400000000000,   // 400 GB
	"LTO-4":  800000000000,   // 800 GB
	"LTO-5":  1500000000000,  // 1.5 TB
	"LTO-6":  2500000000000,  // 2.5 TB
	"LTO-7":  6000000000000,  // 6 TB
	"LTO-8":  12000000000000, // 12 TB
	"LTO-9":  18000000000000, // 18 TB
	"LTO-10": 36000000000000, // 36 TB (expected)
}

// DensityToLTOType maps SCSI density codes to LTO generation strings
var DensityToLTOType = map[string]string{
	"0x40": "LTO-1",
	"0x42": "LTO-2",
	"0x44": "LTO-3",
	"0x46": "LTO-4",
	"0x58": "LTO-5",
	"0x5a": "LTO-6",
	"0x5c": "LTO-7",
	"0x5d": "LTO-7", // LTO-7 Type M (M8)
	"0x5e": "LTO-8",
	"0x60": "LTO-9",
	"0x62": "LTO-10",
}

// LTOTypeFromDensity returns the LTO type for a given density code.
// The density code should be a hex string like "0x58".
func LTOTypeFromDensity(densityCode string) (string, bool) {
	ltoType, ok := DensityToLTOType[strings.ToLower(densityCode)]
	return ltoType, ok
}

// Schedule is a cron-driven backup definition stored in the database
type Schedule struct {
	ID         int64      `json:"id" db:"id"`
	Name       string     `json:"name" db:"name"`
	SourcePath string     `json:"source_path" db:"source_path"`
	Label      string     `json:"label" db:"label"`
	CronExpr   string     `json:"cron_expr" db:"cron_expr"`
	Enabled    bool       `json:"enabled" db:"enabled"`
	LastRunAt  *time.Time `json:"last_run_at" db:"last_run_at"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at" db:"updated_at"`
}

// JobRecord is the persisted outcome of a finished job
type JobRecord struct {
	ID           int64      `json:"id" db:"id"`
	JobID        string     `json:"job_id" db:"job_id"`
	Type         JobType    `json:"type" db:"type"`
	Status       JobStatus  `json:"status" db:"status"`
	SourcePath   string     `json:"source_path" db:"source_path"`
	Label        string     `json:"label" db:"label"`
	TapesUsed    string     `json:"tapes_used" db:"tapes_used"` // comma separated
	ManifestPath string     `json:"manifest_path" db:"manifest_path"`
	ErrorMessage string     `json:"error_message" db:"error_message"`
	StartTime    *time.Time `json:"start_time" db:"start_time"`
	EndTime      *time.Time `json:"end_time" db:"end_time"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
}
