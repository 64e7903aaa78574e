package storage

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrLeaseLost is returned when a worker tries to settle a job it no
	// longer holds: the lease expired and another worker reclaimed it.
	ErrLeaseLost = errors.New("job lease lost")

	// ErrJobCancelled is returned when a worker touches a running job that
	// was cancelled under it. The worker still owns the job until its
	// handler reaches the next node boundary.
	ErrJobCancelled = errors.New("job cancelled")

	// ErrInvalidTransition is returned for status changes the lifecycle forbids.
	ErrInvalidTransition = errors.New("invalid status transition")
)

type Notebook struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Artifact is the metadata of raw uploaded bytes. The bytes themselves
// live in an artifact.Store under Location.
type Artifact struct {
	ID          string    `json:"id"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type"`
	Location    string    `json:"location"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"created_at"`
}

type SourceStatus string

const (
	SourcePending    SourceStatus = "pending"
	SourceProcessing SourceStatus = "processing"
	SourceDone       SourceStatus = "done"
	SourceFailed     SourceStatus = "failed"
)

type Source struct {
	ID          string       `json:"id"`
	NotebookID  string       `json:"notebook_id"`
	Title       string       `json:"title"`
	ArtifactID  string       `json:"artifact_id,omitempty"`
	URL         string       `json:"url,omitempty"`
	ContentType string       `json:"content_type"`
	Text        string       `json:"text,omitempty"`
	Status      SourceStatus `json:"status"`
	NoteIDs     []string     `json:"note_ids"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

type NoteKind string

const (
	NoteAI    NoteKind = "ai"
	NoteHuman NoteKind = "human"
)

type Note struct {
	ID               string    `json:"id"`
	NotebookID       string    `json:"notebook_id"`
	SourceID         string    `json:"source_id,omitempty"`
	TransformationID string    `json:"transformation_id,omitempty"`
	Title            string    `json:"title"`
	Content          string    `json:"content"`
	Kind             NoteKind  `json:"kind"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

type TransformationKind string

const (
	TransformSummary   TransformationKind = "summary"
	TransformKeyPoints TransformationKind = "key_points"
	TransformCustom    TransformationKind = "custom"
)

// Transformation is a named prompt applied to a source's text. When
// ApplyDefault is set it runs for every newly ingested source.
type Transformation struct {
	ID             string             `json:"id"`
	Name           string             `json:"name"`
	Kind           TransformationKind `json:"kind"`
	PromptTemplate string             `json:"prompt_template"`
	ApplyDefault   bool               `json:"apply_default"`
	CreatedAt      time.Time          `json:"created_at"`
}

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobRetrying  JobStatus = "retrying"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further processing will happen for the status.
func (s JobStatus) Terminal() bool {
	return s == JobSucceeded || s == JobFailed || s == JobCancelled
}

const (
	JobKindIngest    = "ingest"
	JobKindTransform = "transform"
	JobKindEmbed     = "embed"
)

type Job struct {
	ID             string    `json:"id"`
	Kind           string    `json:"kind"`
	TargetID       string    `json:"target_id"`
	PayloadJSON    string    `json:"payload"`
	Status         JobStatus `json:"status"`
	Attempts       int       `json:"attempts"`
	MaxAttempts    int       `json:"max_attempts"`
	LastError      string    `json:"last_error,omitempty"`
	WorkerID       string    `json:"worker_id,omitempty"`
	RunAfter       time.Time `json:"run_after"`
	LeaseExpiresAt time.Time `json:"lease_expires_at,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// JobFilter narrows ListJobs. Zero fields match everything.
type JobFilter struct {
	Kind     string
	TargetID string
	Status   JobStatus
	Limit    int
}
