package transcript

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aeroling/oralexam/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageJSONCarriesKind(t *testing.T) {
	at := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	eval := domain.AnswerEvaluation{Fluency: 80, Grammar: 60, Vocabulary: 70, Pronunciation: 90, Feedback: "ok"}
	msg := NewScore("att-1", domain.CategoryAviation, 2, eval, 75, at)

	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "score", raw["kind"])
	assert.Equal(t, float64(2), raw["question_index"])

	var decoded Message
	require.NoError(t, json.Unmarshal(data, &decoded))
	score, ok := decoded.Payload.(ScorePayload)
	require.True(t, ok, "payload should decode to ScorePayload, got %T", decoded.Payload)
	assert.Equal(t, 75, score.Overall)
	assert.Equal(t, eval, *score.Evaluation)
	assert.True(t, decoded.CreatedAt.Equal(at))
}

func TestUnmarshalRejectsUnknownKind(t *testing.T) {
	var m Message
	err := json.Unmarshal([]byte(`{"id":"1","kind":"video_answer","payload":{}}`), &m)
	assert.True(t, errors.Is(err, ErrUnknownKind), "got %v", err)
}

func TestUnmarshalRejectsInvalidPayloads(t *testing.T) {
	tests := map[string]string{
		"unknown field":       `{"kind":"question","payload":{"prompt":"p","extra":1}}`,
		"empty prompt":        `{"kind":"question","payload":{"prompt":""}}`,
		"score without eval":  `{"kind":"score","payload":{"overall":50}}`,
		"skip with score":     `{"kind":"score","payload":{"overall":50,"skipped":true}}`,
		"audio without id":    `{"kind":"audio_answer","payload":{"duration_seconds":3}}`,
		"eval out of range":   `{"kind":"score","payload":{"overall":50,"evaluation":{"fluencyScore":120}}}`,
		"payload wrong shape": `{"kind":"question","payload":"prompt"}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			var m Message
			assert.Error(t, json.Unmarshal([]byte(body), &m))
		})
	}
}

func TestMarshalRejectsInvalidPayload(t *testing.T) {
	_, err := json.Marshal(&Message{ID: "1", Payload: ScorePayload{Overall: 101}})
	assert.Error(t, err)
}

func TestSortOrdersByTimeQuestionThenVariant(t *testing.T) {
	t0 := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	artifact := &domain.RecordingArtifact{ID: "art", Duration: 3 * time.Second, MimeType: "audio/webm"}
	eval := domain.AnswerEvaluation{}

	score := NewScore("a", domain.CategoryIntroduction, 0, eval, 0, t0)
	answer := NewAudioAnswer("a", domain.CategoryIntroduction, 0, artifact, "hi", t0)
	question := NewQuestion("a", domain.CategoryIntroduction, 0, "Who are you?", t0)
	nextQuestion := NewQuestion("a", domain.CategoryIntroduction, 1, "Where do you fly?", t0)
	later := NewSkippedScore("a", domain.CategoryIntroduction, 1, t0.Add(time.Second))

	msgs := []*Message{later, nextQuestion, score, answer, question}
	Sort(msgs)

	want := []*Message{question, answer, score, nextQuestion, later}
	for i := range want {
		assert.Same(t, want[i], msgs[i], "position %d", i)
	}
}
