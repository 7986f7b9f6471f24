package domain

import (
	"math"
	"time"
)

// RecordingArtifact is the finalized audio of one capture cycle.
// It must not be modified after it is produced.
type RecordingArtifact struct {
	ID        string
	Audio     []byte
	Duration  time.Duration
	MimeType  string
	CreatedAt time.Time
}

// DurationSeconds returns the duration rounded to whole seconds.
func (a *RecordingArtifact) DurationSeconds() int {
	return int(math.Round(a.Duration.Seconds()))
}

// Size returns the audio payload size in bytes.
func (a *RecordingArtifact) Size() int {
	return len(a.Audio)
}
