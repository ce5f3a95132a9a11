// Package model defines the core data types shared across the jobflow orchestration system.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Operation identifies the kind of work a job carries. The payload schema is
// keyed by operation and validated once, at the submission gateway.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type Operation string

// JobStatus represents the current status of a job.
type JobStatus string

const (
	// OperationPunchCapture records an attendance clock-in/clock-out attempt.
	OperationPunchCapture Operation = "punch_capture"
	// OperationArrearsRecalc recomputes payroll arrears for a set of employees.
	// It fans out into chunks, one per employee slice.
	OperationArrearsRecalc Operation = "arrears_recalc"
	// OperationReportExport renders a report file for later download.
	OperationReportExport Operation = "report_export"

	// StatusPending indicates a job is queued and waiting for a worker.
	StatusPending JobStatus = "pending"
	// StatusProcessing indicates a worker holds the job lease.
	StatusProcessing JobStatus = "processing"
	// StatusCompleted indicates the job finished successfully.
	StatusCompleted JobStatus = "completed"
	// StatusFailed indicates the job failed past its retry budget.
	StatusFailed JobStatus = "failed"
	// StatusCancelled indicates the caller cancelled the job before completion.
	StatusCancelled JobStatus = "cancelled"
	// StatusTimeout is a client-local status: the poller exhausted its attempt
	// budget and gave up. It is never written to the store; the server job may
	// still resolve afterwards. Callers must treat it as "unknown, check back
	// later", not as a failure.
	StatusTimeout JobStatus = "timeout"
)

// ErrNoJobsAvailable is returned when no jobs are available for reservation.
var ErrNoJobsAvailable = errors.New("no jobs available")

// UnmarshalText implements encoding.TextUnmarshaler for Operation to allow env parsing.
func (o *Operation) UnmarshalText(text []byte) error {
	v := Operation(strings.ToLower(strings.TrimSpace(string(text))))
	if v.Valid() {
		*o = v
		return nil
	}
	return fmt.Errorf("invalid Operation: %q", v)
}

// Valid returns true if the Operation is one of the known operation kinds.
func (o Operation) Valid() bool {
	return o == OperationPunchCapture || o == OperationArrearsRecalc || o == OperationReportExport
}

// Valid returns true if the JobStatus is valid, including the client-local timeout.
func (s JobStatus) Valid() bool {
	return s == StatusPending || s == StatusProcessing || s == StatusCompleted ||
		s == StatusFailed || s == StatusCancelled || s == StatusTimeout
}

// Terminal reports whether the status is sticky: once a job reaches a terminal
// status it never transitions again. StatusTimeout is deliberately excluded:
// it is a local give-up signal, not a server truth.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Job is one unit of asynchronously executed work tracked by a handle.
// Status is mutated only by the worker pool; the orchestration layer reads it.
type Job struct {
	ID              string          `json:"id"                         db:"id"`
	Operation       Operation       `json:"operation"                  db:"operation"`
	Status          JobStatus       `json:"status"                     db:"status"`
	Tenant          string          `json:"tenant"                     db:"tenant"`
	ActorID         string          `json:"actor_id"                   db:"actor_id"`
	IdempotencyKey  string          `json:"idempotency_key"            db:"idempotency_key"`
	Payload         json.RawMessage `json:"payload"                    db:"payload"`
	Progress        int             `json:"progress"                   db:"progress"`
	ChunkCount      int             `json:"chunk_count"                db:"chunk_count"`
	ResultRef       *string         `json:"result_ref,omitempty"       db:"result_ref"`
	ErrorDetail     *string         `json:"error_detail,omitempty"     db:"error_detail"`
	CancelRequested bool            `json:"cancel_requested"           db:"cancel_requested"`
	RetryCount      int             `json:"retry_count"                db:"retry_count"`
	MaxRetries      int             `json:"max_retries"                db:"max_retries"`
	ScheduledAt     time.Time       `json:"scheduled_at"               db:"scheduled_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"       db:"started_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"     db:"completed_at"`
	LeaseExpiresAt  *time.Time      `json:"lease_expires_at,omitempty" db:"lease_expires_at"`
	CreatedAt       time.Time       `json:"created_at"                 db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"                 db:"updated_at"`
}

// IsBatch reports whether the job fans out into chunks.
func (j *Job) IsBatch() bool {
	return j.ChunkCount > 0
}

// StatusView projects the job into the poll response shape.
func (j *Job) StatusView() *JobStatusView {
	return &JobStatusView{
		JobID:       j.ID,
		Status:      j.Status,
		Progress:    j.Progress,
		ResultRef:   j.ResultRef,
		ErrorDetail: j.ErrorDetail,
	}
}

// Identity is the authenticated caller identity, passed explicitly into the
// gateway and key manager rather than read from ambient session state.
type Identity struct {
	ActorID string   `json:"actor_id"`
	Tenant  string   `json:"tenant"`
	Roles   []string `json:"roles,omitempty"`
}

// Valid returns true when the identity carries both an actor and a tenant.
func (i Identity) Valid() bool {
	return strings.TrimSpace(i.ActorID) != "" && strings.TrimSpace(i.Tenant) != ""
}

// SubmitRequest is a request to submit a unit of work for asynchronous execution.
type SubmitRequest struct {
	Operation      Operation       `json:"operation"`
	IdempotencyKey string          `json:"idempotency_key"`
	Payload        json.RawMessage `json:"payload"`
	MaxRetries     int             `json:"max_retries,omitempty"`
}

// PunchPayload is the payload schema for punch_capture jobs.
type PunchPayload struct {
	EmployeeID string    `json:"employee_id"`
	Direction  string    `json:"direction"` // "IN" or "OUT"
	PunchedAt  time.Time `json:"punched_at"`
	Location   string    `json:"location,omitempty"`
}

// Validate validates the punch payload fields.
func (p *PunchPayload) Validate() error {
	if p.EmployeeID == "" {
		return errors.New("employee_id is required")
	}
	if p.Direction != "IN" && p.Direction != "OUT" {
		return errors.New(`direction must be "IN" or "OUT"`)
	}
	if p.PunchedAt.IsZero() {
		return errors.New("punched_at is required")
	}
	return nil
}

// ArrearsPayload is the payload schema for arrears_recalc batch jobs.
type ArrearsPayload struct {
	PeriodID    string   `json:"period_id"`
	EmployeeIDs []string `json:"employee_ids"`
	// ChunkSize is the number of employees per chunk; 0 uses the server default.
	ChunkSize int `json:"chunk_size,omitempty"`
}

// Validate validates the arrears payload fields.
func (p *ArrearsPayload) Validate() error {
	if p.PeriodID == "" {
		return errors.New("period_id is required")
	}
	if len(p.EmployeeIDs) == 0 {
		return errors.New("employee_ids is required")
	}
	if p.ChunkSize < 0 {
		return errors.New("chunk_size must be >= 0")
	}
	return nil
}

// ExportPayload is the payload schema for report_export jobs.
type ExportPayload struct {
	ReportKind string          `json:"report_kind"`
	Format     string          `json:"format"` // "csv" or "xlsx"
	Filters    json.RawMessage `json:"filters,omitempty"`
}

// Validate validates the export payload fields.
func (p *ExportPayload) Validate() error {
	if p.ReportKind == "" {
		return errors.New("report_kind is required")
	}
	if p.Format != "csv" && p.Format != "xlsx" {
		return errors.New(`format must be "csv" or "xlsx"`)
	}
	return nil
}

// Validate validates the SubmitRequest envelope and the operation-specific
// payload schema. This is the single validation point for payloads; workers
// may assume a validated payload.
func (r *SubmitRequest) Validate() error {
	if !r.Operation.Valid() {
		return errors.New("invalid operation")
	}
	if len(r.Payload) == 0 {
		return errors.New("payload is required")
	}
	if r.MaxRetries < 0 {
		return errors.New("max retries must be >= 0")
	}
	return r.validatePayload()
}

func (r *SubmitRequest) validatePayload() error {
	switch r.Operation {
	case OperationPunchCapture:
		var p PunchPayload
		if err := strictUnmarshal(r.Payload, &p); err != nil {
			return fmt.Errorf("punch_capture payload: %w", err)
		}
		return p.Validate()
	case OperationArrearsRecalc:
		var p ArrearsPayload
		if err := strictUnmarshal(r.Payload, &p); err != nil {
			return fmt.Errorf("arrears_recalc payload: %w", err)
		}
		return p.Validate()
	case OperationReportExport:
		var p ExportPayload
		if err := strictUnmarshal(r.Payload, &p); err != nil {
			return fmt.Errorf("report_export payload: %w", err)
		}
		return p.Validate()
	default:
		return errors.New("invalid operation")
	}
}

// strictUnmarshal decodes JSON rejecting unknown fields so schema drift is
// caught at the gateway, not in a worker.
func strictUnmarshal(raw json.RawMessage, dst any) error {
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// JobHandle is the value object handed back at submission; features embed it
// in their own state without re-deriving polling logic.
type JobHandle struct {
	JobID  string    `json:"job_id"`
	Status JobStatus `json:"status"`
}

// JobStatusView is the status projection returned by a poll.
type JobStatusView struct {
	JobID       string    `json:"job_id"`
	Status      JobStatus `json:"status"`
	Progress    int       `json:"progress"`
	ResultRef   *string   `json:"result_ref,omitempty"`
	ErrorDetail *string   `json:"error_detail,omitempty"`
}

// JobStats represents counts of jobs per status for one operation.
type JobStats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
}

// ResourceRef is a redeemable reference to a completed job's artifact,
// valid until ExpiresAt.
type ResourceRef struct {
	JobID       string    `json:"job_id"`
	ResourceURL string    `json:"resource_url"`
	ExpiresAt   time.Time `json:"expires_at"`
}
