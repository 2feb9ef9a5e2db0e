package relay

import (
	"context"
	"errors"
	"time"

	"chatbridge/internal/storage"
)

var (
	ErrQueueFull = errors.New("relay queue full")
	ErrStopped   = errors.New("relay stopped")
)

// Event types published on the bus.
const (
	EventSent    = "relay.sent"
	EventFailed  = "relay.failed"
	EventDropped = "relay.dropped"
)

// Config controls the delivery pipeline.
type Config struct {
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration
}

// SettingsKind is the storage key of the relay settings document.
const SettingsKind storage.Kind = "settings"

// Settings is persisted next to the ledger so a pause survives restarts.
type Settings struct {
	Paused bool `json:"paused"`
}

func (*Settings) StorageKind() storage.Kind { return SettingsKind }

// Resolver yields the subscribers of a publisher chat key.
type Resolver interface {
	Subscribers(ctx context.Context, publisher string) ([]string, error)
}

// DeliveryEvent is the Data of every relay event.
type DeliveryEvent struct {
	From     string    `json:"from"`
	To       string    `json:"to"`
	Attempts int       `json:"attempts,omitempty"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}
