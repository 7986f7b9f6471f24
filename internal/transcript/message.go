// Package transcript models the per-question chat transcript as a closed
// set of message variants.
package transcript

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aeroling/oralexam/internal/domain"
	"github.com/google/uuid"
)

// Kind discriminates message variants.
type Kind string

const (
	KindQuestion    Kind = "question"
	KindAudioAnswer Kind = "audio_answer"
	KindScore       Kind = "score"
)

// ErrUnknownKind is returned when decoding a message of an unknown variant.
var ErrUnknownKind = errors.New("unknown message kind")

// Payload is implemented only by the variants in this package.
type Payload interface {
	Kind() Kind
	validate() error
}

// QuestionPayload is the prompt shown for a question.
type QuestionPayload struct {
	Prompt string `json:"prompt"`
}

// AudioAnswerPayload records the candidate's spoken answer.
type AudioAnswerPayload struct {
	ArtifactID      string `json:"artifact_id"`
	DurationSeconds int    `json:"duration_seconds"`
	MimeType        string `json:"mime_type"`
	Transcript      string `json:"transcript,omitempty"`
}

// ScorePayload records the outcome of a question. Skipped answers carry no evaluation.
type ScorePayload struct {
	Overall    int                      `json:"overall"`
	Skipped    bool                     `json:"skipped,omitempty"`
	Evaluation *domain.AnswerEvaluation `json:"evaluation,omitempty"`
}

func (QuestionPayload) Kind() Kind    { return KindQuestion }
func (AudioAnswerPayload) Kind() Kind { return KindAudioAnswer }
func (ScorePayload) Kind() Kind       { return KindScore }

func (p QuestionPayload) validate() error {
	if p.Prompt == "" {
		return errors.New("question prompt is empty")
	}
	return nil
}

func (p AudioAnswerPayload) validate() error {
	if p.ArtifactID == "" {
		return errors.New("audio answer has no artifact id")
	}
	if p.DurationSeconds < 0 {
		return fmt.Errorf("audio answer duration %d is negative", p.DurationSeconds)
	}
	return nil
}

func (p ScorePayload) validate() error {
	if p.Overall < 0 || p.Overall > 100 {
		return fmt.Errorf("overall score %d not in [0,100]", p.Overall)
	}
	switch {
	case p.Skipped && (p.Evaluation != nil || p.Overall != 0):
		return errors.New("skipped score must be zero without evaluation")
	case !p.Skipped && p.Evaluation == nil:
		return errors.New("score has no evaluation")
	case p.Evaluation != nil:
		return p.Evaluation.Validate()
	}
	return nil
}

// variantOrder breaks ties between messages created at the same instant.
func variantOrder(k Kind) int {
	switch k {
	case KindQuestion:
		return 0
	case KindAudioAnswer:
		return 1
	case KindScore:
		return 2
	default:
		return 3
	}
}

// Message is one transcript entry tied to a question.
type Message struct {
	ID            string
	AttemptID     string
	Category      domain.SessionCategory
	QuestionIndex int
	CreatedAt     time.Time
	Payload       Payload
}

// Kind returns the payload variant.
func (m Message) Kind() Kind {
	if m.Payload == nil {
		return ""
	}
	return m.Payload.Kind()
}

func newMessage(attemptID string, c domain.SessionCategory, question int, at time.Time, p Payload) *Message {
	return &Message{
		ID:            uuid.NewString(),
		AttemptID:     attemptID,
		Category:      c,
		QuestionIndex: question,
		CreatedAt:     at,
		Payload:       p,
	}
}

// NewQuestion creates a question message.
func NewQuestion(attemptID string, c domain.SessionCategory, question int, prompt string, at time.Time) *Message {
	return newMessage(attemptID, c, question, at, QuestionPayload{Prompt: prompt})
}

// NewAudioAnswer creates an audio answer message for an artifact.
func NewAudioAnswer(attemptID string, c domain.SessionCategory, question int, a *domain.RecordingArtifact, transcript string, at time.Time) *Message {
	return newMessage(attemptID, c, question, at, AudioAnswerPayload{
		ArtifactID:      a.ID,
		DurationSeconds: a.DurationSeconds(),
		MimeType:        a.MimeType,
		Transcript:      transcript,
	})
}

// NewScore creates a score message for an evaluated answer.
func NewScore(attemptID string, c domain.SessionCategory, question int, eval domain.AnswerEvaluation, overall int, at time.Time) *Message {
	return newMessage(attemptID, c, question, at, ScorePayload{Overall: overall, Evaluation: &eval})
}

// NewSkippedScore creates the zero score of a skipped question.
func NewSkippedScore(attemptID string, c domain.SessionCategory, question int, at time.Time) *Message {
	return newMessage(attemptID, c, question, at, ScorePayload{Skipped: true})
}

type envelope struct {
	ID            string                 `json:"id"`
	AttemptID     string                 `json:"attempt_id"`
	Category      domain.SessionCategory `json:"category"`
	QuestionIndex int                    `json:"question_index"`
	CreatedAt     time.Time              `json:"created_at"`
	Kind          Kind                   `json:"kind"`
	Payload       json.RawMessage        `json:"payload"`
}

// MarshalJSON encodes the message with an explicit kind discriminator.
func (m Message) MarshalJSON() ([]byte, error) {
	if m.Payload == nil {
		return nil, errors.New("message has no payload")
	}
	raw, err := EncodePayload(m.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{
		ID:            m.ID,
		AttemptID:     m.AttemptID,
		Category:      m.Category,
		QuestionIndex: m.QuestionIndex,
		CreatedAt:     m.CreatedAt,
		Kind:          m.Payload.Kind(),
		Payload:       raw,
	})
}

// UnmarshalJSON decodes and validates a message. Unknown kinds and unknown
// payload fields are rejected.
func (m *Message) UnmarshalJSON(data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	p, err := DecodePayload(env.Kind, env.Payload)
	if err != nil {
		return err
	}
	*m = Message{
		ID:            env.ID,
		AttemptID:     env.AttemptID,
		Category:      env.Category,
		QuestionIndex: env.QuestionIndex,
		CreatedAt:     env.CreatedAt,
		Payload:       p,
	}
	return nil
}

// EncodePayload validates and encodes a payload alone.
func EncodePayload(p Payload) ([]byte, error) {
	if err := p.validate(); err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", p.Kind(), err)
	}
	return json.Marshal(p)
}

// DecodePayload decodes the payload of the given kind.
func DecodePayload(kind Kind, raw []byte) (Payload, error) {
	var p Payload
	var err error
	switch kind {
	case KindQuestion:
		var q QuestionPayload
		err = decodeStrict(raw, &q)
		p = q
	case KindAudioAnswer:
		var a AudioAnswerPayload
		err = decodeStrict(raw, &a)
		p = a
	case KindScore:
		var s ScorePayload
		err = decodeStrict(raw, &s)
		p = s
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	if err := p.validate(); err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", kind, err)
	}
	return p, nil
}

func decodeStrict(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// Sort orders messages by creation time, then question index, then variant.
func Sort(msgs []*Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		a, b := msgs[i], msgs[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		if a.QuestionIndex != b.QuestionIndex {
			return a.QuestionIndex < b.QuestionIndex
		}
		return variantOrder(a.Kind()) < variantOrder(b.Kind())
	})
}
