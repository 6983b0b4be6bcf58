// Package client talks to the learning platform backend.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/felixgeelhaar/fortify/circuitbreaker"
	"github.com/felixgeelhaar/fortify/retry"

	"github.com/felixgeelhaar/mecaflow/internal/domain"
	"github.com/felixgeelhaar/mecaflow/internal/session"
)

const maxResponseBytes = 8 << 20

// Config configures a backend client
type Config struct {
	BaseURL string
	Timeout time.Duration

	// RetryAttempts bounds attempts for idempotent reads (default: 3)
	RetryAttempts int
	// RetryDelay is the first backoff delay (default: 500ms)
	RetryDelay time.Duration

	Logger *slog.Logger
}

// Client is the backend API client. Reads are retried on transient failures
// behind a circuit breaker; submissions are sent exactly once.
type Client struct {
	baseURL  string
	http     *http.Client
	tokens   TokenSource
	pipeline *Pipeline
	breaker  circuitbreaker.CircuitBreaker[[]byte]
	retrier  retry.Retry[[]byte]
	logger   *slog.Logger
}

// New creates a client. tokens may be nil for anonymous use.
func New(cfg Config, tokens TokenSource) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attempts := cfg.RetryAttempts
	if attempts <= 0 {
		attempts = 3
	}
	delay := cfg.RetryDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}

	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    newHTTPClient(cfg.Timeout),
		tokens:  tokens,
		logger:  logger,
	}
	c.pipeline = NewPipeline(c.http, tokens, c.refresh, logger)

	c.breaker = circuitbreaker.New[[]byte](circuitbreaker.Config{
		MaxRequests: 2,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts circuitbreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(from, to circuitbreaker.State) {
			logger.Warn("backend circuit breaker state change", "from", from.String(), "to", to.String())
		},
	})
	c.retrier = retry.New[[]byte](retry.Config{
		MaxAttempts:   attempts,
		InitialDelay:  delay,
		MaxDelay:      10 * time.Second,
		Multiplier:    2.0,
		BackoffPolicy: retry.BackoffExponential,
		Jitter:        true,
		IsRetryable:   IsRetryable,
	})
	return c
}

// Courses lists every course
func (c *Client) Courses(ctx context.Context) ([]domain.Course, error) {
	body, err := c.read(ctx, "/api/courses", false)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Courses []domain.Course `json:"courses"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode courses: %w", err)
	}
	return resp.Courses, nil
}

// Exercises lists the exercises of a course
func (c *Client) Exercises(ctx context.Context, courseID string) ([]domain.Exercise, error) {
	body, err := c.read(ctx, "/api/exercises?course_id="+url.QueryEscape(courseID), false)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Exercises []domain.Exercise `json:"exercises"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode exercises: %w", err)
	}
	return resp.Exercises, nil
}

// Me returns the authoritative learner record
func (c *Client) Me(ctx context.Context) (*domain.LearnerRecord, error) {
	body, err := c.read(ctx, "/api/auth/me", true)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Success bool                 `json:"success"`
		User    domain.LearnerRecord `json:"user"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode learner: %w", err)
	}
	if !resp.Success {
		return nil, fmt.Errorf("%w: /api/auth/me reported failure", domain.ErrBackend)
	}
	return &resp.User, nil
}

// Login exchanges email and password for credentials and stores them
func (c *Client) Login(ctx context.Context, email, password string) (*domain.LearnerRecord, error) {
	payload, err := json.Marshal(map[string]string{"email": email, "password": password})
	if err != nil {
		return nil, fmt.Errorf("marshal login: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/auth/login", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		Success      bool                 `json:"success"`
		AccessToken  string               `json:"access_token"`
		RefreshToken string               `json:"refresh_token"`
		User         domain.LearnerRecord `json:"user"`
		Detail       string               `json:"detail"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode login: %w", err)
	}
	if !out.Success || out.AccessToken == "" {
		detail := out.Detail
		if detail == "" {
			detail = "login failed"
		}
		return nil, fmt.Errorf("%w: %s", domain.ErrUnauthorized, detail)
	}
	if c.tokens != nil {
		creds := session.Credentials{AccessToken: out.AccessToken, RefreshToken: out.RefreshToken}
		if err := c.tokens.SetCredentials(ctx, creds); err != nil {
			return nil, fmt.Errorf("store credentials: %w", err)
		}
	}
	return &out.User, nil
}

// Upload is one exercise submission
type Upload struct {
	Filename string
	Data     []byte
	// QuizAnswers maps a question index to 1-based selected options
	QuizAnswers map[int][]int
	Feedback    string
}

// Submit uploads a submission and returns the raw grading payload
func (c *Client) Submit(ctx context.Context, exerciseID string, up Upload) (json.RawMessage, error) {
	body, contentType, err := encodeUpload(up)
	if err != nil {
		return nil, err
	}
	path := "/api/exercises/" + url.PathEscape(exerciseID) + "/submit"

	resp, err := c.pipeline.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", contentType)
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	raw, err := readBody(http.MethodPost, path, resp)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(raw), nil
}

func encodeUpload(up Upload) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("file", up.Filename)
	if err != nil {
		return nil, "", fmt.Errorf("create file part: %w", err)
	}
	if _, err := part.Write(up.Data); err != nil {
		return nil, "", fmt.Errorf("write file part: %w", err)
	}

	answers := make(map[string][]int, len(up.QuizAnswers))
	for i, opts := range up.QuizAnswers {
		answers[strconv.Itoa(i)] = opts
	}
	encoded, err := json.Marshal(answers)
	if err != nil {
		return nil, "", fmt.Errorf("marshal quiz answers: %w", err)
	}

	fields := []struct{ name, value string }{
		{"quizAnswers", string(encoded)},
		{"feedback", up.Feedback},
		{"user_feedback", up.Feedback},
	}
	for _, f := range fields {
		if err := w.WriteField(f.name, f.value); err != nil {
			return nil, "", fmt.Errorf("write %s: %w", f.name, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart: %w", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

// read performs an idempotent GET with retry and circuit breaking
func (c *Client) read(ctx context.Context, path string, authorized bool) ([]byte, error) {
	op := func(ctx context.Context) ([]byte, error) {
		return c.get(ctx, path, authorized)
	}
	return c.breaker.Execute(ctx, func(ctx context.Context) ([]byte, error) {
		return c.retrier.Do(ctx, op)
	})
}

func (c *Client) get(ctx context.Context, path string, authorized bool) ([]byte, error) {
	build := func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		return req, nil
	}

	var resp *http.Response
	var err error
	if authorized {
		resp, err = c.pipeline.Do(ctx, build)
	} else {
		var req *http.Request
		req, err = build(ctx)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		resp, err = c.http.Do(req)
		if err != nil {
			err = fmt.Errorf("do request: %w", err)
		}
	}
	if err != nil {
		return nil, err
	}
	return readBody(http.MethodGet, path, resp)
}

func (c *Client) refresh(ctx context.Context, refreshToken string) (session.Credentials, error) {
	payload, err := json.Marshal(map[string]string{"refresh_token": refreshToken})
	if err != nil {
		return session.Credentials{}, fmt.Errorf("marshal refresh: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/auth/refresh", bytes.NewReader(payload))
	if err != nil {
		return session.Credentials{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return session.Credentials{}, fmt.Errorf("do request: %w", err)
	}
	body, err := readBody(http.MethodPost, "/api/auth/refresh", resp)
	if err != nil {
		return session.Credentials{}, err
	}

	var out struct {
		Success      bool   `json:"success"`
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return session.Credentials{}, fmt.Errorf("decode refresh: %w", err)
	}
	if !out.Success || out.AccessToken == "" {
		return session.Credentials{}, fmt.Errorf("%w: refresh rejected", domain.ErrUnauthorized)
	}
	return session.Credentials{AccessToken: out.AccessToken, RefreshToken: out.RefreshToken}, nil
}

func readBody(method, path string, resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Method: method, Path: path, StatusCode: resp.StatusCode, Detail: detail(body)}
	}
	return body, nil
}

// detail extracts {"detail": "..."} from an error body
func detail(body []byte) string {
	var out struct {
		Detail string `json:"detail"`
	}
	if json.Unmarshal(body, &out) == nil && out.Detail != "" {
		return out.Detail
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
