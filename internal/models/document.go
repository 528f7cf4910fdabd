package models

import "time"

// Job statuses recorded in Firestore.
const (
	StatusProcessing = "PROCESSING"
	StatusCompleted  = "COMPLETED"
	StatusFailed     = "FAILED"
)

// CompatJob is the Firestore record for one remediation run.
// It tracks the status of the job and what the pipeline did to the file.
type CompatJob struct {
	FileHash            string    `firestore:"fileHash,omitempty"`
	OriginalFilename    string    `firestore:"originalFilename,omitempty"`
	OutputURI           string    `firestore:"outputUri,omitempty"`
	Status              string    `firestore:"status,omitempty"`
	ErrorDetails        string    `firestore:"errorDetails,omitempty"`
	FailedStage         string    `firestore:"failedStage,omitempty"`
	PageCount           int       `firestore:"pageCount,omitempty"`
	HadTransparency     bool      `firestore:"hadTransparency"`
	IssueCount          int       `firestore:"issueCount,omitempty"`
	MethodUsed          string    `firestore:"methodUsed,omitempty"`
	InputVersion        float64   `firestore:"inputVersion,omitempty"`
	FinalVersion        float64   `firestore:"finalVersion,omitempty"`
	Warnings            []string  `firestore:"warnings,omitempty"`
	WorkflowExecutionID string    `firestore:"workflowExecutionId,omitempty"` // For traceability
	CreatedAt           time.Time `firestore:"createdAt,omitempty"`
}
