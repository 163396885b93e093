package domain

import "time"

// JobStatus represents the state of a provisioning job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// JobEvent is an action that moves a job between states.
type JobEvent string

const (
	JobEventStart    JobEvent = "start"
	JobEventComplete JobEvent = "complete"
	JobEventFail     JobEvent = "fail"
)

// JobTransitions defines all valid job state changes. A job may fail
// before reaching "running" when the initial persist itself errors.
var JobTransitions = []Transition{
	{Event: string(JobEventStart), Src: string(JobPending), Dst: string(JobRunning)},
	{Event: string(JobEventComplete), Src: string(JobRunning), Dst: string(JobCompleted)},
	{Event: string(JobEventFail), Src: string(JobRunning), Dst: string(JobFailed)},
	{Event: string(JobEventFail), Src: string(JobPending), Dst: string(JobFailed)},
}

// ProvisioningJob is the durable, observable record of one provisioning
// attempt for one tenant.
//
// Invariants: len(StepsCompleted)+len(StepsSkipped) <= CurrentStep <=
// TotalSteps; a completed job accounts for every step; Error is non-empty
// iff Status is failed.
type ProvisioningJob struct {
	ID              string
	TenantID        string
	TenantName      string
	Tier            string
	Status          JobStatus
	CurrentStep     int
	TotalSteps      int
	StepsCompleted  []string
	StepsSkipped    []string
	CurrentStepName string
	Error           string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     *time.Time
}

// NewJob creates a pending job for the given tenant and tier. TotalSteps
// must equal the length of the master step list; steps that do not apply
// to the tier are counted as skipped, not absent.
func NewJob(id, tenantID, tenantName, tier string, totalSteps int) ProvisioningJob {
	now := time.Now().UTC()
	return ProvisioningJob{
		ID:             id,
		TenantID:       tenantID,
		TenantName:     tenantName,
		Tier:           tier,
		Status:         JobPending,
		CurrentStep:    0,
		TotalSteps:     totalSteps,
		StepsCompleted: []string{},
		StepsSkipped:   []string{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// JobUpdate is a partial update of a job row. Nil pointer fields and nil
// slices are left untouched; all progress writes funnel through this one
// value so persistence logic stays in one place.
type JobUpdate struct {
	Status          *JobStatus
	CurrentStep     *int
	CurrentStepName *string
	StepsCompleted  []string
	StepsSkipped    []string
	Error           *string
	CompletedAt     *time.Time
}

// EventType classifies a progress event emitted during a run.
type EventType string

const (
	EventStepStarted   EventType = "step_started"
	EventStepCompleted EventType = "step_completed"
	EventStepSkipped   EventType = "step_skipped"
	EventCompleted     EventType = "completed"
	EventFailed        EventType = "failed"
)

// ProvisioningEvent is an ephemeral projection emitted while a job runs.
// It is never persisted; the job row is the durable record.
type ProvisioningEvent struct {
	Type       EventType `json:"type"`
	StepID     string    `json:"step_id,omitempty"`
	StepName   string    `json:"step_name,omitempty"`
	StepNumber int       `json:"step_number,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	TenantID   string    `json:"tenant_id,omitempty"`
	Error      string    `json:"error,omitempty"`
}
