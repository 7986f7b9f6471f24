package stream

import (
	"time"

	"github.com/aeroling/oralexam/internal/domain"
	"github.com/aeroling/oralexam/internal/exam"
)

// Control frames sent by the browser.
const (
	ControlStart             = "start"
	ControlMicrophoneGranted = "microphone_granted"
	ControlPermissionDenied  = "permission_denied"
	ControlStop              = "stop"
	ControlClear             = "clear"
	ControlRetry             = "retry"
	ControlSkip              = "skip"
	ControlCancel            = "cancel"
	ControlPing              = "ping"
)

// Events sent to the browser.
const (
	EventRequestMicrophone = "request_microphone"
	EventRecording         = "recording"
	EventTick              = "tick"
	EventStopped           = "stopped"
	EventCleared           = "cleared"
	EventAttemptFailed     = "attempt_failed"
	EventAwaitingDecision  = "awaiting_decision"
	EventRateLimited       = "rate_limited"
	EventEvaluated         = "evaluated"
	EventSkipped           = "skipped"
	EventCancelled         = "cancelled"
	EventError             = "error"
	EventPong              = "pong"
)

// control is a text frame from the browser.
type control struct {
	Type     string `json:"type"`
	MimeType string `json:"mime_type,omitempty"`
}

// Event is a text frame to the browser.
type Event struct {
	Type string `json:"type"`

	ElapsedSeconds   float64 `json:"elapsed_seconds,omitempty"`
	RemainingSeconds float64 `json:"remaining_seconds,omitempty"`
	MaxSeconds       int     `json:"max_seconds,omitempty"`

	Reason          string `json:"reason,omitempty"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
	Bytes           int    `json:"bytes,omitempty"`

	Attempts    int                `json:"attempts,omitempty"`
	MaxAttempts int                `json:"max_attempts,omitempty"`
	Failure     domain.FailureKind `json:"failure,omitempty"`
	WaitSeconds float64            `json:"wait_seconds,omitempty"`
	ResumeAt    *time.Time         `json:"resume_at,omitempty"`

	Result *exam.AnswerResult `json:"result,omitempty"`
	Error  string             `json:"error,omitempty"`
}
