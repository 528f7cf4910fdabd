package gcp

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
)

// NewFirestoreClient creates and returns a new Firestore client for the given project ID.
func NewFirestoreClient(ctx context.Context, projectID string) (*firestore.Client, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID must be provided to create a firestore client")
	}

	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	return client, nil
}

// FindByField returns the ID of the first document in collection whose field
// equals value, or "" when there is none.
func FindByField(ctx context.Context, client *firestore.Client, collection, field string, value any) (string, error) {
	docs, err := client.Collection(collection).Where(field, "==", value).Limit(1).Documents(ctx).GetAll()
	if err != nil {
		return "", fmt.Errorf("failed to query %s by %s: %w", collection, field, err)
	}
	if len(docs) == 0 {
		return "", nil
	}
	return docs[0].Ref.ID, nil
}

// UpdateStatus sets the status field of a job, plus any extra updates.
func UpdateStatus(ctx context.Context, docRef *firestore.DocumentRef, status string, extra ...firestore.Update) error {
	updates := append([]firestore.Update{{Path: "status", Value: status}}, extra...)
	if _, err := docRef.Update(ctx, updates); err != nil {
		return fmt.Errorf("failed to set status %s on %s: %w", status, docRef.ID, err)
	}
	return nil
}
