package outbox

import "time"

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusSent       Status = "sent"
	StatusFailed     Status = "failed"
)

type Event struct {
	ID            int64
	AggregateType string
	AggregateID   string
	// Topic overrides the dispatcher's default topic when set.
	Topic       string
	Type        string
	Payload     []byte
	Headers     map[string]string
	Traceparent string
	CreatedAt   time.Time
	Status      Status
	RelayID     string
	RetryCount  int
	LastError   *string
}
