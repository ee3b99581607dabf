package model

import "time"

// QueueState is the lifecycle state of a queue entry.
type QueueState string

const (
	StateUnprocessed QueueState = "unprocessed"
	StateToProcess   QueueState = "to_process"
	StateProcessed   QueueState = "processed"
)

// MaxRetryCount is the number of failed attempts after which an entry
// leaves the queue permanently.
const MaxRetryCount = 10

// Token is an API credential. Rows are provisioned externally and are
// read-only to this service.
type Token struct {
	ID      int64  `json:"id"`
	Value   string `json:"-"`
	Enabled bool   `json:"enabled"`
}

// QueueEntry is one pending unit of work: a single paginated GET against
// the upstream API, executed with a specific token at execute_at.
type QueueEntry struct {
	ID         int64      `json:"id"`
	TokenID    int64      `json:"tokenId"`
	TokenValue string     `json:"-"` // joined secret; set by ByID/ByClaim lookups
	ClaimID    *string    `json:"claimId,omitempty"`
	URL        string     `json:"url"`
	BaseURL    string     `json:"baseUrl"`
	Type       string     `json:"type"`
	Headers    string     `json:"headers"` // serialized JSON object
	Params     string     `json:"params"`  // serialized JSON object
	RetryCount int        `json:"retryCount"`
	State      QueueState `json:"state"`
	ExecuteAt  time.Time  `json:"executeAt"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	ClosedAt   *time.Time `json:"closedAt,omitempty"`
	Error      *string    `json:"error,omitempty"`
}

// Loading is the audit record of one HTTP attempt. It is opaque to
// scheduling: created before the request and finished after, success or not.
type Loading struct {
	ID             int64
	GUID           string
	URL            string
	ReqParams      string
	ReqHeaders     string
	RespStatus     int
	RespHeaders    string
	RespText       string
	RespRaw        string
	Error          string
	BeginTimestamp time.Time
	EndTimestamp   time.Time
}
