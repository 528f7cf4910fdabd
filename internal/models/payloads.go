package models

// These structs define the JSON payloads exchanged with the HTTP functions
// and the downstream workflow.

// CheckResponse is the output of the transparency-check function.
type CheckResponse struct {
	Filename string              `json:"filename,omitempty"`
	Size     int                 `json:"size"`
	Report   *TransparencyReport `json:"report"`
	Summary  string              `json:"summary"`
}

// ErrorResponse is returned by HTTP functions when a request cannot be served.
type ErrorResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

// RemediatedEvent is the argument handed to the downstream workflow once a
// remediated document has been written.
type RemediatedEvent struct {
	DocumentID   string  `json:"documentId"`
	SourceGCSUri string  `json:"sourceGcsUri"`
	OutputGCSUri string  `json:"outputGcsUri"`
	MethodUsed   string  `json:"methodUsed"`
	FinalVersion float64 `json:"finalVersion"`
}
