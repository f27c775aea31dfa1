package pubsub

import (
	"context"
	"encoding/json"

	"github.com/ritzau/asset-pipeline/pkg/model"
)

// Topics published by the asset processor. Subscribers pick the ones they
// care about: the compile tier consumes TopicAssetToProcess, hot-reload
// listeners consume TopicAssetMessage, UIs consume the status topics.
const (
	TopicAssetToProcess   = "asset_to_process"
	TopicAssetMessage     = "asset_message"
	TopicIdleState        = "idle_state"
	TopicNumRemainingJobs = "num_remaining_jobs"
	TopicJobStatus        = "job_status"
)

// Event represents a pub/sub event
type Event struct {
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`    // event type within the topic (e.g. "changed", "removed")
	Data    json.RawMessage `json:"data"`    // event payload
	Version int             `json:"version"` // per-topic version number for ordering
}

// Subscription represents a client subscription to a topic
type Subscription interface {
	// Topic returns the subscription topic
	Topic() string

	// Events returns a channel for receiving events
	Events() <-chan Event

	// Close closes the subscription
	Close() error
}

// Publisher manages pub/sub subscriptions and event publishing
type Publisher interface {
	// Subscribe creates a new subscription to a topic.
	// Context cancellation will close the subscription.
	Subscribe(ctx context.Context, topic string) (Subscription, error)

	// Publish sends an event to all subscribers of a topic
	Publish(topic string, eventType string, data interface{}) error

	// Close shuts down the publisher and all subscriptions
	Close() error
}

// AssetMessage tells hot-reload listeners that a product changed
type AssetMessage struct {
	Platform    string `json:"platform"`
	ProductName string `json:"productName"`
	AssetType   string `json:"assetType"`
	SubID       uint32 `json:"subId"`
	Removed     bool   `json:"removed"`
}

// IdleState reports an idle/busy transition of the processor
type IdleState struct {
	Idle bool `json:"idle"`
}

// NumRemainingJobs reports queue depth as work drains
type NumRemainingJobs struct {
	Count int `json:"count"`
}

// JobStatusChanged reports a single job's status transition
type JobStatusChanged struct {
	JobRunKey uint64          `json:"jobRunKey"`
	Status    model.JobStatus `json:"status"`
}
