// Package api declares the wire-level request and response shapes of the run
// orchestration HTTP surface.
package api

import (
	"encoding/json"
	"fmt"
	"time"
)

// StreamModes accepts either a single mode string or a list of modes, the way
// clients commonly send "stream_mode".
type StreamModes []string

// UnmarshalJSON implements the string-or-list form.
func (m *StreamModes) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*m = StreamModes{single}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("stream_mode must be a string or a list of strings")
	}
	*m = StreamModes(list)
	return nil
}

// CreateRunRequest is the body of every run creation endpoint.
type CreateRunRequest struct {
	// Input is the opaque graph input, forwarded to the executor untouched.
	Input json.RawMessage `json:"input,omitempty"`

	// StreamMode selects which event channels this run emits. Defaults to
	// ["values"].
	StreamMode StreamModes `json:"stream_mode,omitempty"`

	// OnDisconnect chooses what happens to the run when its streaming client
	// goes away: "continue" (default) or "cancel".
	OnDisconnect string `json:"on_disconnect,omitempty"`
}

// Run is the wire shape of a run record.
type Run struct {
	RunID        string          `json:"run_id"`
	ThreadID     string          `json:"thread_id,omitempty"`
	Status       string          `json:"status"`
	StreamMode   []string        `json:"stream_mode"`
	OnDisconnect string          `json:"on_disconnect"`
	Input        json.RawMessage `json:"input,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// CreateCronRequest is the body of the cron creation endpoints.
type CreateCronRequest struct {
	// Schedule is a 5-field cron expression.
	Schedule string `json:"schedule"`

	// Input becomes the created runs' input.
	Input json.RawMessage `json:"input,omitempty"`

	// EndTime retires the schedule once passed.
	EndTime *time.Time `json:"end_time,omitempty"`
}

// SearchCronsRequest is the body of POST /runs/crons/search.
type SearchCronsRequest struct {
	ThreadID string `json:"thread_id,omitempty"`
	Limit    int    `json:"limit,omitempty"`
	Offset   int    `json:"offset,omitempty"`
}

// Cron is the wire shape of a schedule.
type Cron struct {
	CronID    string          `json:"cron_id"`
	ThreadID  string          `json:"thread_id,omitempty"`
	Schedule  string          `json:"schedule"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	EndTime   *time.Time      `json:"end_time,omitempty"`
	NextRunAt time.Time       `json:"next_run_date"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}
