package insight

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"gorm.io/datatypes"
)

type JobStatus string

const (
	JobQueued         JobStatus = "queued"
	JobRunning        JobStatus = "running"
	JobCompleted      JobStatus = "completed"
	JobFailed         JobStatus = "failed"
	JobPartialFailure JobStatus = "partial_failure"
)

func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobPartialFailure
}

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// Task failure reasons surfaced to polling clients.
const (
	ReasonContextUnavailable = "context_unavailable"
	ReasonTimeout            = "timeout"
	ReasonBackendError       = "backend_error"
	ReasonCanceled           = "canceled"
)

// Job is one unlock request: a paid batch of insight generations for a
// (chat, category) pair.
type Job struct {
	ID string `gorm:"primaryKey;size:26"` // ULID

	UserID     uint64 `gorm:"index;not null"`
	ChatID     string `gorm:"size:26;index;not null"`
	CategoryID string `gorm:"type:varchar(64);not null"`

	// "<chat_id>:<category_id>" while the job is non-terminal; cleared at
	// finalization. The unique index collapses a retried or racing unlock
	// for the same pair onto the existing row.
	ActiveKey *string `gorm:"type:varchar(128);uniqueIndex"`

	Status JobStatus `gorm:"type:varchar(20);index;not null"`

	TotalInsights   int   `gorm:"not null"`
	CompletedCount  int   `gorm:"not null;default:0"`
	FailedCount     int   `gorm:"not null;default:0"`
	TotalTokensUsed int64 `gorm:"not null;default:0"`

	ReservationID string `gorm:"type:varchar(36);not null"`
	ReservedCoins int64  `gorm:"not null"`

	StartedAt   *time.Time
	CompletedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Job) TableName() string { return "insight_jobs" }

func ActiveKey(chatID, categoryID string) string {
	return fmt.Sprintf("%s:%s", chatID, categoryID)
}

// Task is one unit of generation work within a job. The unique index on
// (chat_id, insight_type_id, job_id) plus upsert-at-creation keeps a
// retried unlock from producing duplicate rows.
type Task struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"`

	JobID         string `gorm:"size:26;not null;index;index:uniq_insight_task,unique,priority:3"`
	ChatID        string `gorm:"size:26;not null;index:uniq_insight_task,unique,priority:1"`
	InsightTypeID string `gorm:"type:varchar(64);not null;index:uniq_insight_task,unique,priority:2"`

	Status TaskStatus `gorm:"type:varchar(16);index;not null"`

	// Filled when completed
	Content datatypes.JSON `gorm:"type:json"`

	// Filled when failed
	ErrorReason *string `gorm:"type:varchar(64)"`

	TokensUsed       int   `gorm:"not null;default:0"`
	GenerationTimeMS int64 `gorm:"not null;default:0"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Task) TableName() string { return "insight_tasks" }

func NewJobID() (string, error) {
	id, err := ulid.New(ulid.Now(), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// TaskView is the per-task slice of a status snapshot.
type TaskView struct {
	InsightTypeID    string         `json:"insight_type_id"`
	Status           TaskStatus     `json:"status"`
	Content          datatypes.JSON `json:"content,omitempty"`
	ErrorReason      *string        `json:"error_reason,omitempty"`
	TokensUsed       int            `json:"tokens_used"`
	GenerationTimeMS int64          `json:"generation_time_ms"`
}

// Snapshot is what polling clients see. Counters are the latest
// committed values; the snapshot never blocks on running tasks.
type Snapshot struct {
	JobID           string     `json:"job_id"`
	ChatID          string     `json:"chat_id"`
	CategoryID      string     `json:"category_id"`
	Status          JobStatus  `json:"status"`
	TotalInsights   int        `json:"total_insights"`
	CompletedCount  int        `json:"completed_count"`
	FailedCount     int        `json:"failed_count"`
	TotalTokensUsed int64      `json:"total_tokens_used"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	Tasks           []TaskView `json:"tasks"`
}
