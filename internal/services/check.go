package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"

	"github.com/Lllllllleong/pdfcompat/internal/gcp"
	"github.com/Lllllllleong/pdfcompat/internal/models"
	"github.com/Lllllllleong/pdfcompat/internal/transparency"
)

const defaultMaxUploadBytes = 32 << 20

// CheckFunction serves transparency reports over HTTP. The document is sent
// either as a multipart "file" field or as the raw request body.
type CheckFunction struct {
	scanner        *transparency.Scanner
	maxUploadBytes int64
}

func NewCheckFunction() (*CheckFunction, error) {
	maxBytes := int64(defaultMaxUploadBytes)
	if v := gcp.GetEnv("MAX_UPLOAD_BYTES", ""); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("MAX_UPLOAD_BYTES must be a positive integer, got %q", v)
		}
		maxBytes = n
	}
	return &CheckFunction{scanner: &transparency.Scanner{}, maxUploadBytes: maxBytes}, nil
}

func (f *CheckFunction) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logCtx := slog.With("method", r.Method, "contentType", r.Header.Get("Content-Type"))
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, models.ErrorResponse{Status: "error", Error: "POST a PDF document"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, f.maxUploadBytes)
	filename, data, err := readUpload(r)
	if err != nil {
		logCtx.Warn("Could not read upload", "error", err)
		status := http.StatusBadRequest
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			status = http.StatusRequestEntityTooLarge
		}
		writeJSON(w, status, models.ErrorResponse{Status: "error", Error: err.Error()})
		return
	}
	logCtx = logCtx.With("filename", filename, "size", len(data))

	scanner := *f.scanner
	scanner.Logger = logCtx
	report, err := scanner.Scan(data)
	if err != nil {
		logCtx.Warn("Could not scan document", "error", err)
		writeJSON(w, http.StatusUnprocessableEntity, models.ErrorResponse{Status: "error", Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, models.CheckResponse{
		Filename: filename,
		Size:     len(data),
		Report:   report,
		Summary:  report.Summary(),
	})
}

func readUpload(r *http.Request) (string, []byte, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		data, err := io.ReadAll(r.Body)
		if err != nil {
			return "", nil, fmt.Errorf("failed to read request body: %w", err)
		}
		if len(data) == 0 {
			return "", nil, errors.New("request body is empty")
		}
		return "", data, nil
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		return "", nil, fmt.Errorf("missing multipart field \"file\": %w", err)
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return "", nil, fmt.Errorf("failed to read uploaded file: %w", err)
	}
	if len(data) == 0 {
		return "", nil, errors.New("uploaded file is empty")
	}
	return header.Filename, data, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to write response", "error", err)
	}
}
