package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// StatusOrder lists the lifecycle in the order clients must observe it.
// Completed and failed share the terminal position.
var StatusOrder = []JobStatus{JobStatusQueued, JobStatusRunning}

func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Rank orders statuses along the lifecycle: queued < running < terminal.
// Unknown values rank below queued.
func (s JobStatus) Rank() int {
	switch s {
	case JobStatusQueued:
		return 0
	case JobStatusRunning:
		return 1
	case JobStatusCompleted, JobStatusFailed:
		return 2
	default:
		return -1
	}
}

type JobMode string

const (
	JobModeEngine JobMode = "engine"
	JobModeChain  JobMode = "chain"
)

type TaskState string

const (
	TaskStatePending TaskState = "PENDING"
	TaskStateStarted TaskState = "STARTED"
	TaskStateSuccess TaskState = "SUCCESS"
	TaskStateFailure TaskState = "FAILURE"
	TaskStateRevoked TaskState = "REVOKED"
)

func (s TaskState) Final() bool {
	return s == TaskStateSuccess || s == TaskStateFailure || s == TaskStateRevoked
}

type Weights struct {
	Aesthetic      float64 `json:"aesthetic" toml:"aesthetic"`
	Sustainability float64 `json:"sustainability" toml:"sustainability"`
	Cost           float64 `json:"cost" toml:"cost"`
	Accessibility  float64 `json:"accessibility" toml:"accessibility"`
	Emotion        float64 `json:"emotion" toml:"emotion"`
}

func DefaultWeights() Weights {
	return Weights{
		Aesthetic:      0.25,
		Sustainability: 0.25,
		Cost:           0.20,
		Accessibility:  0.15,
		Emotion:        0.15,
	}
}

// Keys returns the weight dimensions in a fixed order.
func (w Weights) Keys() []string {
	return []string{"aesthetic", "sustainability", "cost", "accessibility", "emotion"}
}

func (w Weights) Map() map[string]float64 {
	return map[string]float64{
		"aesthetic":      w.Aesthetic,
		"sustainability": w.Sustainability,
		"cost":           w.Cost,
		"accessibility":  w.Accessibility,
		"emotion":        w.Emotion,
	}
}

func (w Weights) Validate() error {
	for k, v := range w.Map() {
		if v < 0 {
			return fmt.Errorf("%w: weight %s is negative", ErrInvalidInput, k)
		}
	}
	return nil
}

func (w Weights) IsZero() bool {
	return w == Weights{}
}

type Proposal struct {
	Agent string            `json:"agent"`
	Data  map[string]string `json:"data"`
	// Keys holds the attribute order; keys missing here are appended in sorted order on merge.
	Keys []string `json:"-"`
}

type Candidate struct {
	ID       string            `json:"id"`
	Label    string            `json:"label"`
	Metadata map[string]string `json:"metadata"`
}

type Variant struct {
	ID        string             `json:"id"`
	JobID     string             `json:"job_id"`
	Label     string             `json:"label"`
	Metadata  map[string]string  `json:"metadata"`
	Scores    map[string]float64 `json:"score"`
	Rank      int                `json:"rank"`
	CreatedAt time.Time          `json:"created_at"`
}

func (v Variant) Composite() float64 {
	return v.Scores[CompositeKey]
}

const CompositeKey = "composite"

type Payload map[string]any

type Job struct {
	ID        string          `json:"id"`
	Mode      JobMode         `json:"mode"`
	Status    JobStatus       `json:"status"`
	Stage     string          `json:"stage,omitempty"`
	N         int             `json:"n"`
	Weights   Weights         `json:"weights"`
	Context   json.RawMessage `json:"context,omitempty"`
	ChainID   string          `json:"chain_id,omitempty"`
	Variants  []Variant       `json:"variants,omitempty"`
	Result    Payload         `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type Feedback struct {
	ID        int64     `json:"id"`
	VariantID string    `json:"variant_id"`
	Rating    int       `json:"rating"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type BrokerTask struct {
	ID         string          `json:"id"`
	ChainID    string          `json:"chain_id"`
	JobID      string          `json:"job_id"`
	Stage      string          `json:"stage"`
	Position   int             `json:"position"`
	ChainLen   int             `json:"chain_len"`
	State      TaskState       `json:"state"`
	Payload    json.RawMessage `json:"payload"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	Attempts   int             `json:"attempts"`
	LeaseUntil time.Time       `json:"lease_until"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

type DecisionLog struct {
	ID        int64           `json:"id"`
	JobID     string          `json:"job_id"`
	Actor     string          `json:"actor"`
	Action    string          `json:"action"`
	Reason    string          `json:"reason"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

type ArtifactLog struct {
	ID        int64     `json:"id"`
	JobID     string    `json:"job_id"`
	Stage     string    `json:"stage"`
	Path      string    `json:"path"`
	Allowed   bool      `json:"allowed"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

type EventType string

const (
	EventTypeStatus  EventType = "status"
	EventTypeVariant EventType = "variant"
	EventTypeResult  EventType = "result"
)

type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data"`
}

type StatusEventData struct {
	Status JobStatus `json:"status"`
	Stage  string    `json:"stage,omitempty"`
	Error  string    `json:"error,omitempty"`
}
