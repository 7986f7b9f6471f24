package capture

import (
	"fmt"
	"strings"
	"time"

	"github.com/aeroling/oralexam/internal/domain"
	"github.com/containerd/errdefs"
	"github.com/google/uuid"
)

// DefaultMimeType is assumed when an upload does not declare one.
const DefaultMimeType = "audio/webm"

// ArtifactFromUpload builds an artifact from an already recorded upload,
// enforcing the same bounds as a live recording. The audio is copied.
func ArtifactFromUpload(audio []byte, mimeType string, duration time.Duration, cfg Config, now time.Time) (*domain.RecordingArtifact, error) {
	def := DefaultConfig()
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = def.MaxDuration
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = def.MaxBytes
	}

	if len(audio) == 0 {
		return nil, fmt.Errorf("%w: empty recording", errdefs.ErrInvalidArgument)
	}
	if len(audio) > cfg.MaxBytes {
		return nil, fmt.Errorf("%w: recording is %d bytes, limit %d", errdefs.ErrInvalidArgument, len(audio), cfg.MaxBytes)
	}
	if duration <= 0 {
		return nil, fmt.Errorf("%w: recording duration must be positive", errdefs.ErrInvalidArgument)
	}
	if duration > cfg.MaxDuration {
		return nil, fmt.Errorf("%w: recording lasts %s, limit %s", errdefs.ErrInvalidArgument, duration, cfg.MaxDuration)
	}

	mimeType = strings.TrimSpace(mimeType)
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = DefaultMimeType
	}
	if !strings.HasPrefix(mimeType, "audio/") {
		return nil, fmt.Errorf("%w: unsupported content type %q", errdefs.ErrInvalidArgument, mimeType)
	}

	data := make([]byte, len(audio))
	copy(data, audio)
	return &domain.RecordingArtifact{
		ID:        uuid.NewString(),
		Audio:     data,
		Duration:  duration,
		MimeType:  mimeType,
		CreatedAt: now,
	}, nil
}
