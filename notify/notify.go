// Package notify publishes bundle completion events to downstream
// consumers. The production publisher targets an SQS queue; a stub
// records events for tests.
package notify

import (
	"context"
	"time"

	"github.com/pithecene-io/dredge/types"
)

// BundleCompleted is the completion event payload. Field names are the
// downstream contract; changing them breaks consumers.
type BundleCompleted struct {
	BundleID            string         `json:"bundleId"`
	RecipeID            string         `json:"recipeId"`
	PrimaryURL          string         `json:"primaryUrl"`
	ResourcesCount      int            `json:"resourcesCount"`
	StorageKey          string         `json:"storageKey,omitempty"`
	CompletionTimestamp string         `json:"completionTimestamp"`
	Metadata            map[string]any `json:"metadata,omitempty"`
}

// NewBundleCompleted builds the event for a finalized bundle. The
// timestamp is ISO-8601 in UTC.
func NewBundleCompleted(ref *types.BundleRef, recipeID string, completedAt time.Time, meta map[string]any) *BundleCompleted {
	return &BundleCompleted{
		BundleID:            string(ref.BID),
		RecipeID:            recipeID,
		PrimaryURL:          ref.PrimaryURL,
		ResourcesCount:      ref.ResourcesCount,
		StorageKey:          ref.StorageKey,
		CompletionTimestamp: completedAt.UTC().Format(time.RFC3339),
		Metadata:            meta,
	}
}

// Publisher delivers completion events.
type Publisher interface {
	PublishBundleCompleted(ctx context.Context, event *BundleCompleted) error
	Close() error
}

// Nop discards every event. Used when no queue is configured.
type Nop struct{}

// PublishBundleCompleted implements Publisher.
func (Nop) PublishBundleCompleted(context.Context, *BundleCompleted) error { return nil }

// Close implements Publisher.
func (Nop) Close() error { return nil }

var _ Publisher = Nop{}
