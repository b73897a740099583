package job

import "encoding/json"

// Event is the payload delivered to notification backends when a job
// reaches a terminal stage.
type Event struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Stage   string `json:"stage"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`

	// Delivery bookkeeping, set by the backend on its report channel.
	Delivered     bool   `json:"-"`
	DeliveryError string `json:"-"`

	// Attempt counts deliveries tried so far, used for bounded retries.
	Attempt int `json:"-"`
}

// NewEvent builds the terminal-stage event for j.
func NewEvent(j Job) Event {
	return Event{
		ID:      j.ID,
		Name:    j.Object.Name,
		Stage:   j.Stage.String(),
		Success: j.Stage == Completed,
		Error:   j.LastError,
	}
}

// Bytes returns the wire form of e.
func (e Event) Bytes() ([]byte, error) {
	return json.Marshal(e)
}
