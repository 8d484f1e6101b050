package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"github.com/tgifai/crond/internal/cronjob"
	"github.com/tgifai/crond/internal/pkg/logs"
)

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("server returned status %d: %s", e.code, e.body)
}

// StatusCode returns the HTTP status of a failed call, or 0.
func StatusCode(err error) int {
	var se *statusError
	if errors.As(err, &se) {
		return se.code
	}
	return 0
}

type jsonClient struct {
	baseURL string
	apiKey  string
	httpCli *http.Client
}

func newJSONClient(baseURL, apiKey string, timeout time.Duration) jsonClient {
	return jsonClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpCli: &http.Client{Timeout: timeout},
	}
}

func (c *jsonClient) do(ctx context.Context, method, path string, in, out interface{}) error {
	if c.baseURL == "" {
		return errors.New("base url is not configured")
	}

	var reader io.Reader
	if in != nil {
		body, err := sonic.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("content-type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if logID := logs.GetLogID(ctx); logID != "" {
		req.Header.Set("X-Log-Id", logID)
	}

	resp, err := c.httpCli.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if sonic.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &statusError{code: resp.StatusCode, body: msg}
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := sonic.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// AdminClient talks to a running daemon's admin API.
type AdminClient struct {
	jsonClient
}

func NewAdminClient(baseURL, apiKey string) *AdminClient {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	return &AdminClient{jsonClient: newJSONClient(baseURL, apiKey, 15*time.Minute)}
}

func (c *AdminClient) Status(ctx context.Context) (cronjob.Status, error) {
	var st cronjob.Status
	err := c.do(ctx, http.MethodGet, apiPrefix+"/status", nil, &st)
	return st, err
}

func (c *AdminClient) List(ctx context.Context, includeDisabled bool) ([]cronjob.Job, error) {
	var out struct {
		Jobs []cronjob.Job `json:"jobs"`
	}
	path := apiPrefix + "/jobs?includeDisabled=" + strconv.FormatBool(includeDisabled)
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out.Jobs, err
}

func (c *AdminClient) Add(ctx context.Context, in cronjob.JobCreate) (cronjob.Job, error) {
	var job cronjob.Job
	err := c.do(ctx, http.MethodPost, apiPrefix+"/jobs", in, &job)
	return job, err
}

func (c *AdminClient) Get(ctx context.Context, id string) (cronjob.Job, error) {
	var job cronjob.Job
	err := c.do(ctx, http.MethodGet, jobPath(id), nil, &job)
	return job, err
}

// Update sends a raw patch document. A nil value clears the field.
func (c *AdminClient) Update(ctx context.Context, id string, patch map[string]interface{}) (cronjob.Job, error) {
	var job cronjob.Job
	err := c.do(ctx, http.MethodPatch, jobPath(id), patch, &job)
	return job, err
}

func (c *AdminClient) Remove(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, jobPath(id), nil, nil)
}

func (c *AdminClient) Run(ctx context.Context, id string, mode cronjob.RunMode) (cronjob.RunResult, error) {
	var res cronjob.RunResult
	err := c.do(ctx, http.MethodPost, jobPath(id)+"/run?mode="+url.QueryEscape(string(mode)), nil, &res)
	return res, err
}

func (c *AdminClient) Runs(ctx context.Context, id string, limit int) ([]cronjob.RunLogEntry, error) {
	var out struct {
		Entries []cronjob.RunLogEntry `json:"entries"`
	}
	err := c.do(ctx, http.MethodGet, jobPath(id)+"/runs?limit="+strconv.Itoa(limit), nil, &out)
	return out.Entries, err
}

func (c *AdminClient) Wake(ctx context.Context, text string, mode cronjob.WakeMode) error {
	return c.do(ctx, http.MethodPost, apiPrefix+"/wake", wakeRequest{Text: text, Mode: mode}, nil)
}

func jobPath(id string) string {
	return apiPrefix + "/jobs/" + url.PathEscape(id)
}
