package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"slices"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/storage"
	executions "cloud.google.com/go/workflows/executions/apiv1"
	"cloud.google.com/go/workflows/executions/apiv1/executionspb"
	"github.com/Lllllllleong/pdfcompat/internal/gcp"
	"github.com/Lllllllleong/pdfcompat/internal/models"
	"github.com/Lllllllleong/pdfcompat/internal/pipeline"
	"github.com/Lllllllleong/pdfcompat/internal/transparency"
)

type CompatConfig struct {
	ProjectID        string
	OutputBucket     string
	OutputPrefix     string
	CollectionName   string
	WorkflowID       string
	WorkflowLocation string
	Pipeline         pipeline.Config
}

type CompatFunction struct {
	storageClient    *storage.Client
	firestoreClient  *firestore.Client
	executionsClient *executions.Client
	scanner          *transparency.Scanner
	pipeline         *pipeline.Pipeline
	config           CompatConfig
}

type GCSEvent struct {
	Bucket      string `json:"bucket"`
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
}

// Outcome is what remediating one document produced.
type Outcome struct {
	Before *models.TransparencyReport
	Result *pipeline.Result
}

func NewCompatFunction(ctx context.Context) (*CompatFunction, error) {
	projectID := gcp.GetEnv("PROJECT_ID", "")
	if projectID == "" {
		return nil, fmt.Errorf("PROJECT_ID environment variable must be set")
	}
	pipelineConfig, err := pipeline.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load pipeline config: %w", err)
	}

	config := CompatConfig{
		ProjectID:        projectID,
		OutputBucket:     gcp.GetEnv("OUTPUT_BUCKET", ""),
		OutputPrefix:     gcp.GetEnv("OUTPUT_PREFIX", "compat/"),
		CollectionName:   gcp.GetEnv("FIRESTORE_COLLECTION", "compat-jobs"),
		WorkflowLocation: gcp.GetEnv("WORKFLOW_LOCATION", "us-central1"),
		WorkflowID:       gcp.GetEnv("WORKFLOW_ID", ""),
		Pipeline:         pipelineConfig,
	}
	if config.OutputBucket == "" {
		return nil, fmt.Errorf("OUTPUT_BUCKET environment variable must be set")
	}

	firestoreClient, err := gcp.NewFirestoreClient(ctx, config.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	storageClient, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Storage client: %w", err)
	}
	var executionsClient *executions.Client
	if config.WorkflowID != "" {
		executionsClient, err = executions.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create Workflows Executions client: %w", err)
		}
	}

	p, err := pipeline.New(config.Pipeline, slog.Default())
	if err != nil {
		return nil, err
	}
	f := &CompatFunction{
		storageClient:    storageClient,
		firestoreClient:  firestoreClient,
		executionsClient: executionsClient,
		scanner:          &transparency.Scanner{},
		pipeline:         p,
		config:           config,
	}
	slog.Info("PDF compat logic initialized.",
		"method", config.Pipeline.Method,
		"targetVersion", config.Pipeline.TargetVersion,
		"workflowId", config.WorkflowID)
	return f, nil
}

func (f *CompatFunction) Process(ctx context.Context, e GCSEvent) error {
	logCtx := slog.With("gcsBucket", e.Bucket, "gcsObject", e.Name)
	logCtx.Info("Processing new GCS object.")

	if !isPDF(e) {
		logCtx.Info("Object is not a PDF. Skipping.", "contentType", e.ContentType)
		return nil
	}
	if e.Bucket == f.config.OutputBucket && strings.HasPrefix(e.Name, f.config.OutputPrefix) {
		logCtx.Info("Object is a remediation output. Skipping.")
		return nil
	}

	data, err := gcp.ReadObject(ctx, f.storageClient.Bucket(e.Bucket), e.Name)
	if err != nil {
		logCtx.Error("Failed to download source PDF", "error", err)
		return err
	}

	fileHash := calculateHash(data)
	logCtx = logCtx.With("fileHash", fileHash)

	existingID, err := gcp.FindByField(ctx, f.firestoreClient, f.config.CollectionName, "fileHash", fileHash)
	if err != nil {
		logCtx.Error("Failed to check for duplicate", "error", err)
		return err
	}
	if existingID != "" {
		logCtx.Info("Duplicate file detected. Skipping.", "existingDocId", existingID)
		return nil // Clean exit for a duplicate
	}

	docRef, err := f.createInitialDocument(ctx, fileHash, e.Name)
	if err != nil {
		logCtx.Error("Failed to create initial Firestore document", "error", err)
		return err
	}
	logCtx = logCtx.With("documentId", docRef.ID)
	logCtx.Info("Created job document in Firestore.")

	outcome, err := f.Remediate(ctx, logCtx, data)
	if err != nil {
		return f.handleError(ctx, logCtx, docRef, "failed to remediate PDF", err)
	}

	outputObject := f.outputObjectName(e.Name)
	if err := gcp.UploadWithRetry(ctx, f.storageClient.Bucket(f.config.OutputBucket), outputObject, "application/pdf", outcome.Result.Bytes); err != nil {
		return f.handleError(ctx, logCtx, docRef, "failed to upload remediated PDF", err)
	}
	outputURI := gcp.ObjectURI(f.config.OutputBucket, outputObject)

	updates := []firestore.Update{
		{Path: "outputUri", Value: outputURI},
		{Path: "pageCount", Value: outcome.Before.PageCount},
		{Path: "hadTransparency", Value: outcome.Before.HasTransparency},
		{Path: "issueCount", Value: len(outcome.Before.FeatureIssues())},
		{Path: "inputVersion", Value: outcome.Before.DeclaredVersion},
		{Path: "methodUsed", Value: string(outcome.Result.MethodUsed)},
		{Path: "finalVersion", Value: outcome.Result.FinalVersion},
		{Path: "warnings", Value: slices.Concat(outcome.Before.Warnings, outcome.Result.Warnings)},
	}
	if err := gcp.UpdateStatus(ctx, docRef, models.StatusCompleted, updates...); err != nil {
		return f.handleError(ctx, logCtx, docRef, "failed to record completed job", err)
	}
	logCtx.Info("Remediated PDF uploaded.", "outputUri", outputURI, "methodUsed", outcome.Result.MethodUsed)

	if f.executionsClient != nil {
		event := models.RemediatedEvent{
			DocumentID:   docRef.ID,
			SourceGCSUri: gcp.ObjectURI(e.Bucket, e.Name),
			OutputGCSUri: outputURI,
			MethodUsed:   string(outcome.Result.MethodUsed),
			FinalVersion: outcome.Result.FinalVersion,
		}
		if err := f.triggerWorkflow(ctx, logCtx, docRef, event); err != nil {
			return err
		}
		logCtx.Info("Hand-off to workflow complete.")
	}
	return nil
}

// Remediate scans data and runs it through the pipeline. Documents without
// transparency features are only relabelled.
func (f *CompatFunction) Remediate(ctx context.Context, logCtx *slog.Logger, data []byte) (*Outcome, error) {
	scanner := *f.scanner
	scanner.Logger = logCtx
	before, err := scanner.Scan(data)
	if err != nil {
		return nil, &pipeline.StageError{Stage: pipeline.StageConvert, Err: err}
	}
	logCtx.Info("Source scanned.", "hasTransparency", before.HasTransparency, "issues", len(before.FeatureIssues()), "version", before.DeclaredVersion)

	p := *f.pipeline
	p.Logger = logCtx
	if !before.HasTransparency {
		p.Config.Enabled = false
	}
	res, err := p.Process(ctx, func(context.Context) ([]byte, error) { return data, nil })
	if err != nil {
		return nil, err
	}
	return &Outcome{Before: before, Result: res}, nil
}

func (f *CompatFunction) outputObjectName(name string) string {
	return path.Join(f.config.OutputPrefix, name)
}

func isPDF(e GCSEvent) bool {
	return e.ContentType == "application/pdf" || strings.EqualFold(path.Ext(e.Name), ".pdf")
}

func (f *CompatFunction) createInitialDocument(ctx context.Context, fileHash, filename string) (*firestore.DocumentRef, error) {
	newDoc := models.CompatJob{
		FileHash:         fileHash,
		OriginalFilename: filename,
		Status:           models.StatusProcessing,
		CreatedAt:        time.Now(),
	}
	docRef, _, err := f.firestoreClient.Collection(f.config.CollectionName).Add(ctx, newDoc)
	if err != nil {
		return nil, fmt.Errorf("failed to create job document: %w", err)
	}
	return docRef, nil
}

func (f *CompatFunction) triggerWorkflow(ctx context.Context, logCtx *slog.Logger, docRef *firestore.DocumentRef, event models.RemediatedEvent) error {
	logCtx.Info("Triggering workflow.")
	payloadBytes, err := json.Marshal(event)
	if err != nil {
		return f.handleError(ctx, logCtx, docRef, "failed to marshal workflow payload", err)
	}
	req := &executionspb.CreateExecutionRequest{
		Parent: fmt.Sprintf("projects/%s/locations/%s/workflows/%s", f.config.ProjectID, f.config.WorkflowLocation, f.config.WorkflowID),
		Execution: &executionspb.Execution{
			Argument: string(payloadBytes),
		},
	}
	execution, err := f.executionsClient.CreateExecution(ctx, req)
	if err != nil {
		return f.handleError(ctx, logCtx, docRef, "failed to trigger workflow execution", err)
	}
	if _, err := docRef.Update(ctx, []firestore.Update{{Path: "workflowExecutionId", Value: execution.GetName()}}); err != nil {
		logCtx.Warn("Failed to record workflow execution ID", "error", err)
	}
	return nil
}

func (f *CompatFunction) handleError(ctx context.Context, logCtx *slog.Logger, docRef *firestore.DocumentRef, message string, originalErr error) error {
	fullError := fmt.Sprintf("%s: %v", message, originalErr)
	logCtx.Error(message, "error", originalErr)

	updates := []firestore.Update{{Path: "errorDetails", Value: fullError}}
	var stageErr *pipeline.StageError
	if errors.As(originalErr, &stageErr) {
		updates = append(updates, firestore.Update{Path: "failedStage", Value: string(stageErr.Stage)})
	}
	if err := gcp.UpdateStatus(ctx, docRef, models.StatusFailed, updates...); err != nil {
		logCtx.Error("CRITICAL: Failed to update Firestore status to FAILED after a processing error.", "updateError", err)
	}
	return fmt.Errorf("%s: %w", message, originalErr)
}

func calculateHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
