package audio

import (
	"errors"
	"fmt"

	"github.com/signalsfoundry/radio-globe/model"
)

var (
	// ErrProbeTimeout is the reason recorded when a candidate neither became
	// ready nor failed within the probe window.
	ErrProbeTimeout = errors.New("stream probe timed out")
	// ErrStreamUnavailable matches every StreamUnavailableError.
	ErrStreamUnavailable = errors.New("no playable stream")
	// ErrSuperseded is returned to a SelectStation caller whose selection
	// was overtaken by a newer one. It is not a user-visible failure.
	ErrSuperseded = errors.New("selection superseded")
	// ErrNotActive is returned by TogglePlayPause when nothing is loaded.
	ErrNotActive = errors.New("no active station")
)

// ProbeError records why one candidate URL could not be played.
type ProbeError struct {
	URL    string
	Reason error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("probe %s: %v", e.URL, e.Reason)
}

func (e *ProbeError) Unwrap() error { return e.Reason }

// StreamUnavailableError is returned when every candidate failed. Last is
// the failure of the final candidate tried.
type StreamUnavailableError struct {
	StationID   model.StationID
	StationName string
	Tried       []string
	Last        error
}

func (e *StreamUnavailableError) Error() string {
	name := e.StationName
	if name == "" {
		name = string(e.StationID)
	}
	msg := "no playable stream"
	if name != "" {
		msg += " for " + name
	}
	if e.Last != nil {
		msg += ": " + e.Last.Error()
	}
	return msg
}

// Unwrap exposes both the ErrStreamUnavailable sentinel and the last failure.
func (e *StreamUnavailableError) Unwrap() []error {
	if e.Last == nil {
		return []error{ErrStreamUnavailable}
	}
	return []error{ErrStreamUnavailable, e.Last}
}

// httpStatusError is a non-200 answer from a stream server.
type httpStatusError struct {
	StatusCode int
	Status     string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("stream returned status %d: %s", e.StatusCode, e.Status)
}
