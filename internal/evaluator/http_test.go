package evaluator

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aeroling/oralexam/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testArtifact() *domain.RecordingArtifact {
	return &domain.RecordingArtifact{ID: "a1", Audio: []byte("RIFF...."), Duration: 12 * time.Second, MimeType: "audio/webm"}
}

func TestHTTPTranscriberSendsAudio(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "en", r.URL.Query().Get("language"))
		assert.Equal(t, "audio/webm", r.Header.Get("Content-Type"))
		assert.Equal(t, "12", r.Header.Get("X-Recording-Duration"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "RIFF....", string(body))
		_, _ = w.Write([]byte(`{"text":"  I am a first officer  "}`))
	}))
	defer srv.Close()

	c, err := NewHTTPTranscriber(HTTPConfig{TranscriptionURL: srv.URL + "/v1/transcribe", APIKey: "secret"})
	require.NoError(t, err)

	tr, err := c.Transcribe(context.Background(), testArtifact())
	require.NoError(t, err)
	assert.Equal(t, "I am a first officer", tr.Text)
}

func TestHTTPTranscriberFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   domain.FailureKind
	}{
		{"empty text", http.StatusOK, `{"text":""}`, domain.FailureUploadRejected},
		{"missing text", http.StatusOK, `{}`, domain.FailureUploadRejected},
		{"bad request", http.StatusBadRequest, `nope`, domain.FailureUploadRejected},
		{"unavailable", http.StatusServiceUnavailable, ``, domain.FailureAIServiceUnavailable},
		{"upstream throttled", http.StatusTooManyRequests, ``, domain.FailureAIServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c, err := NewHTTPTranscriber(HTTPConfig{TranscriptionURL: srv.URL})
			require.NoError(t, err)
			_, err = c.Transcribe(context.Background(), testArtifact())
			assert.Equal(t, tt.want, domain.FailureKindOf(err))
		})
	}
}

func TestHTTPTranscriberNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c, err := NewHTTPTranscriber(HTTPConfig{TranscriptionURL: url})
	require.NoError(t, err)
	_, err = c.Transcribe(context.Background(), testArtifact())
	assert.Equal(t, domain.FailureNetworkUnavailable, domain.FailureKindOf(err))
}

func TestHTTPTranscriberTimeoutIsAIUnavailable(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c, err := NewHTTPTranscriber(HTTPConfig{TranscriptionURL: srv.URL, Timeout: 20 * time.Millisecond})
	require.NoError(t, err)
	_, err = c.Transcribe(context.Background(), testArtifact())
	assert.Equal(t, domain.FailureAIServiceUnavailable, domain.FailureKindOf(err))
}

func TestHTTPEvaluatorRequestShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var got map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		assert.Equal(t, "Describe your aircraft.", got["question"])
		assert.Equal(t, "It is an A320.", got["transcript"])
		assert.Equal(t, float64(30), got["durationSeconds"])
		rubric := got["rubric"].(map[string]any)
		for _, k := range []string{"fluency", "grammar", "vocabulary", "pronunciation"} {
			assert.Equal(t, 0.25, rubric[k])
		}
		_, _ = w.Write([]byte(`{"fluencyScore":80,"grammarScore":60,"vocabularyScore":70,"pronunciationScore":90,"feedback":"Good."}`))
	}))
	defer srv.Close()

	c, err := NewHTTPEvaluator(HTTPConfig{EvaluationURL: srv.URL})
	require.NoError(t, err)

	eval, err := c.Evaluate(context.Background(), NewEvaluationRequest("Describe your aircraft.", "It is an A320.", 30))
	require.NoError(t, err)
	assert.Equal(t, domain.AnswerEvaluation{Fluency: 80, Grammar: 60, Vocabulary: 70, Pronunciation: 90, Feedback: "Good."}, eval)
}

func TestHTTPEvaluatorMalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"fluencyScore":80}`))
	}))
	defer srv.Close()

	c, err := NewHTTPEvaluator(HTTPConfig{EvaluationURL: srv.URL})
	require.NoError(t, err)
	_, err = c.Evaluate(context.Background(), NewEvaluationRequest("q", "t", 1))
	assert.Equal(t, domain.FailureMalformedEvaluation, domain.FailureKindOf(err))
}

func TestNewHTTPClientsRejectBadURLs(t *testing.T) {
	_, err := NewHTTPTranscriber(HTTPConfig{TranscriptionURL: "not a url"})
	assert.Error(t, err)
	_, err = NewHTTPEvaluator(HTTPConfig{EvaluationURL: ""})
	assert.Error(t, err)
}
