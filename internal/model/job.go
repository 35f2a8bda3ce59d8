package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// QueueName identifies one of the five logical job channels.
type QueueName string

const (
	QueueUpload               QueueName = "upload"
	QueueAnalysisPoll         QueueName = "analysis_poll"
	QueueCompleted            QueueName = "completed"
	QueueConfirmationRequest  QueueName = "confirmation_request"
	QueueConfirmationResponse QueueName = "confirmation_response"
)

// Job is the tagged union carried by the queue layer. Each variant routes to
// exactly one queue.
type Job interface {
	JobID() string
	Queue() QueueName
}

// UploadJob asks the pipeline to process a newly stored document.
type UploadJob struct {
	ID         string    `json:"id"`
	Document   Document  `json:"document"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

func (j UploadJob) JobID() string    { return j.ID }
func (j UploadJob) Queue() QueueName { return QueueUpload }

// NewUploadJobID derives a deterministic job ID from the storage reference
// and event timestamp, so replayed upload notifications produce the same job
// and duplicates can be recognized downstream.
func NewUploadJobID(storageRef string, at time.Time) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d", storageRef, at.UnixNano())))
	return hex.EncodeToString(sum[:8])
}

// AnalysisStatusPollJob re-checks an asynchronous extractor job. The retry
// budget travels with the job so the reschedule decision needs no external
// state.
type AnalysisStatusPollJob struct {
	ID                string        `json:"id"`
	LogID             string        `json:"log_id"`
	Document          Document      `json:"document"`
	ExtractorJobID    string        `json:"extractor_job_id"`
	AttemptsRemaining int           `json:"attempts_remaining"`
	NextDelay         time.Duration `json:"next_delay"`
}

func (j AnalysisStatusPollJob) JobID() string    { return j.ID }
func (j AnalysisStatusPollJob) Queue() QueueName { return QueueAnalysisPoll }

// CompletionStatus is the outcome a CompletedJob announces.
type CompletionStatus string

const (
	CompletionSuccess CompletionStatus = "success"
	CompletionFailed  CompletionStatus = "failed"
)

// CompletedJob fires once per pipeline run, success or not, so downstream
// notification logic runs uniformly.
type CompletedJob struct {
	ID            string           `json:"id"`
	LogID         string           `json:"log_id"`
	UserID        string           `json:"user_id"`
	Status        CompletionStatus `json:"status"`
	Merged        *MergedResult    `json:"merged,omitempty"`
	FailureReason string           `json:"failure_reason,omitempty"`
}

func (j CompletedJob) JobID() string    { return j.ID }
func (j CompletedJob) Queue() QueueName { return QueueCompleted }

// ConfirmationRequestJob asks the confirmation worker to put a proposed
// transaction in front of the user.
type ConfirmationRequestJob struct {
	ID        string       `json:"id"`
	LogID     string       `json:"log_id"`
	UserID    string       `json:"user_id"`
	Merged    MergedResult `json:"merged"`
	ExpiresAt time.Time    `json:"expires_at"`
}

func (j ConfirmationRequestJob) JobID() string    { return j.ID }
func (j ConfirmationRequestJob) Queue() QueueName { return QueueConfirmationRequest }

// ConfirmationResponseJob carries the user's yes/no. LogID may be empty when
// the caller does not know which log is pending; the workflow then consults
// the single-slot pending store.
type ConfirmationResponseJob struct {
	ID         string `json:"id"`
	UserID     string `json:"user_id"`
	LogID      string `json:"log_id,omitempty"`
	Confirmed  bool   `json:"confirmed"`
	RawMessage string `json:"raw_message,omitempty"`
}

func (j ConfirmationResponseJob) JobID() string    { return j.ID }
func (j ConfirmationResponseJob) Queue() QueueName { return QueueConfirmationResponse }
