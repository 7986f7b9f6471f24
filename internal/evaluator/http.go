package evaluator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/aeroling/oralexam/internal/domain"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const maxResponseBytes = 1 << 20

// HTTPConfig configures the HTTP engine clients.
type HTTPConfig struct {
	TranscriptionURL string
	EvaluationURL    string
	APIKey           string
	Language         string
	Timeout          time.Duration
}

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// HTTPTranscriber posts raw audio to the transcription engine.
type HTTPTranscriber struct {
	endpoint   string
	apiKey     string
	language   string
	httpClient *http.Client
}

// NewHTTPTranscriber creates a transcription client.
func NewHTTPTranscriber(cfg HTTPConfig) (*HTTPTranscriber, error) {
	endpoint, err := url.Parse(cfg.TranscriptionURL)
	if err != nil || endpoint.Scheme == "" || endpoint.Host == "" {
		return nil, fmt.Errorf("invalid transcription url %q", cfg.TranscriptionURL)
	}
	lang := cfg.Language
	if lang == "" {
		lang = DefaultLanguage
	}
	q := endpoint.Query()
	q.Set("language", lang)
	endpoint.RawQuery = q.Encode()

	return &HTTPTranscriber{
		endpoint:   endpoint.String(),
		apiKey:     cfg.APIKey,
		language:   lang,
		httpClient: newHTTPClient(cfg.Timeout),
	}, nil
}

type transcriptionResponse struct {
	Text string `json:"text"`
}

// Transcribe sends the artifact audio and returns the transcript.
func (c *HTTPTranscriber) Transcribe(ctx context.Context, artifact *domain.RecordingArtifact) (domain.Transcript, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(artifact.Audio))
	if err != nil {
		return domain.Transcript{}, fmt.Errorf("create transcription request: %w", err)
	}
	req.Header.Set("Content-Type", artifact.MimeType)
	req.Header.Set("X-Recording-Duration", strconv.Itoa(artifact.DurationSeconds()))
	setAuth(req, c.apiKey)

	body, err := c.do(req)
	if err != nil {
		return domain.Transcript{}, err
	}

	var resp transcriptionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.Transcript{}, domain.NewFailure(domain.FailureUploadRejected, OpTranscribe, fmt.Errorf("decode transcription: %w", err))
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return domain.Transcript{}, domain.NewFailure(domain.FailureUploadRejected, OpTranscribe, errors.New("transcription has no text"))
	}
	return domain.Transcript{Text: text, Language: c.language}, nil
}

func (c *HTTPTranscriber) do(req *http.Request) ([]byte, error) {
	return doRequest(c.httpClient, OpTranscribe, req)
}

// HTTPEvaluator posts evaluation requests as JSON.
type HTTPEvaluator struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPEvaluator creates an evaluation client.
func NewHTTPEvaluator(cfg HTTPConfig) (*HTTPEvaluator, error) {
	endpoint, err := url.Parse(cfg.EvaluationURL)
	if err != nil || endpoint.Scheme == "" || endpoint.Host == "" {
		return nil, fmt.Errorf("invalid evaluation url %q", cfg.EvaluationURL)
	}
	return &HTTPEvaluator{
		endpoint:   endpoint.String(),
		apiKey:     cfg.APIKey,
		httpClient: newHTTPClient(cfg.Timeout),
	}, nil
}

// Evaluate scores a transcript. The response must match the evaluation schema.
func (c *HTTPEvaluator) Evaluate(ctx context.Context, er EvaluationRequest) (domain.AnswerEvaluation, error) {
	payload, err := json.Marshal(er)
	if err != nil {
		return domain.AnswerEvaluation{}, fmt.Errorf("marshal evaluation request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return domain.AnswerEvaluation{}, fmt.Errorf("create evaluation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	setAuth(req, c.apiKey)

	body, err := doRequest(c.httpClient, OpEvaluate, req)
	if err != nil {
		return domain.AnswerEvaluation{}, err
	}
	return DecodeEvaluation(body)
}

func doRequest(client *http.Client, op string, req *http.Request) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, classifyTransportError(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, classifyTransportError(op, fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, classifyStatus(op, resp.StatusCode, body)
	}
	return body, nil
}

func setAuth(req *http.Request, apiKey string) {
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
}
