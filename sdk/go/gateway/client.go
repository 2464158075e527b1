package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
// Resuming a confirmation broadcasts a transaction, so it is longer than a
// plain read would need.
const DefaultHTTPTimeout = 30 * time.Second

// Client wraps the approval REST API of the EVM gateway.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

// Confirmation is a sensitive operation waiting for a decision or a resume.
type Confirmation struct {
	ID        string            `json:"id"`
	RunID     string            `json:"run_id"`
	Operation string            `json:"operation"`
	Args      map[string]string `json:"args"`
	Summary   string            `json:"summary"`
	State     string            `json:"state"`
	Approved  bool              `json:"approved"`
	DecidedBy string            `json:"decided_by,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	DecidedAt time.Time         `json:"decided_at,omitempty"`
	ExpiresAt time.Time         `json:"expires_at"`
}

// Resolution is the result of resuming a confirmation.
type Resolution struct {
	Confirmation *Confirmation `json:"confirmation"`
	Executed     bool          `json:"executed"`
	Text         string        `json:"text"`
	TxHash       string        `json:"tx_hash,omitempty"`
	ErrorCode    string        `json:"error_code,omitempty"`
}

// RunResult holds the resolutions of every confirmation of a run.
type RunResult struct {
	RunID   string       `json:"run_id"`
	Results []Resolution `json:"results"`
}

// JournalEntry records the outcome of one resolved confirmation.
type JournalEntry struct {
	ID             int64             `json:"id,omitempty"`
	ConfirmationID string            `json:"confirmation_id"`
	RunID          string            `json:"run_id"`
	Operation      string            `json:"operation"`
	Args           map[string]string `json:"args,omitempty"`
	Decision       string            `json:"decision"`
	DecidedBy      string            `json:"decided_by,omitempty"`
	Result         string            `json:"result"`
	TxHash         string            `json:"tx_hash,omitempty"`
	ErrorCode      string            `json:"error_code,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	ResolvedAt     time.Time         `json:"resolved_at"`
}

// APIError represents a non-2xx response.
type APIError struct {
	StatusCode int
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("gateway api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("gateway api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the approval API. When httpClient is
// nil, a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetToken sets the bearer token sent with every request.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// Token returns the stored bearer token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// ListConfirmations returns the open confirmations, optionally of one run.
func (c *Client) ListConfirmations(ctx context.Context, runID string) ([]Confirmation, error) {
	query := url.Values{}
	if runID != "" {
		query.Set("run_id", runID)
	}
	var out struct {
		Confirmations []Confirmation `json:"confirmations"`
	}
	if err := c.get(ctx, "/api/v1/confirmations", query, &out); err != nil {
		return nil, err
	}
	return out.Confirmations, nil
}

// GetConfirmation fetches a confirmation by identifier.
func (c *Client) GetConfirmation(ctx context.Context, id string) (Confirmation, error) {
	var out Confirmation
	if err := c.get(ctx, "/api/v1/confirmations/"+url.PathEscape(id), nil, &out); err != nil {
		return Confirmation{}, err
	}
	return out, nil
}

// Decide records a decision without executing the operation.
func (c *Client) Decide(ctx context.Context, id string, approved bool) (Confirmation, error) {
	var out Confirmation
	body := map[string]bool{"approved": approved}
	if err := c.post(ctx, "/api/v1/confirmations/"+url.PathEscape(id)+"/decision", body, &out); err != nil {
		return Confirmation{}, err
	}
	return out, nil
}

// Resolve records a decision and resumes the operation in one call.
func (c *Client) Resolve(ctx context.Context, id string, approved bool) (Resolution, error) {
	var out Resolution
	body := map[string]bool{"approved": approved, "resume": true}
	if err := c.post(ctx, "/api/v1/confirmations/"+url.PathEscape(id)+"/decision", body, &out); err != nil {
		return Resolution{}, err
	}
	return out, nil
}

// Resume executes a decided confirmation.
func (c *Client) Resume(ctx context.Context, id string) (Resolution, error) {
	var out Resolution
	if err := c.post(ctx, "/api/v1/confirmations/"+url.PathEscape(id)+"/resume", nil, &out); err != nil {
		return Resolution{}, err
	}
	return out, nil
}

// ResumeRun resumes every confirmation of a run after applying decisions,
// which may be nil when all of them were decided already.
func (c *Client) ResumeRun(ctx context.Context, runID string, decisions map[string]bool) (RunResult, error) {
	var body any
	if len(decisions) > 0 {
		body = map[string]any{"decisions": decisions}
	}
	var out RunResult
	if err := c.post(ctx, "/api/v1/runs/"+url.PathEscape(runID)+"/resume", body, &out); err != nil {
		return RunResult{}, err
	}
	return out, nil
}

// CallTool invokes a gateway tool and returns its plain-text result.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	if args == nil {
		args = map[string]any{}
	}
	var out struct {
		Text string `json:"text"`
	}
	if err := c.post(ctx, "/api/v1/tools/"+url.PathEscape(name), map[string]any{"arguments": args}, &out); err != nil {
		return "", err
	}
	return out.Text, nil
}

// Journal lists resolved operations, newest first. limit <= 0 uses the server
// default.
func (c *Client) Journal(ctx context.Context, runID string, limit int) ([]JournalEntry, error) {
	query := url.Values{}
	if runID != "" {
		query.Set("run_id", runID)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Entries []JournalEntry `json:"entries"`
	}
	if err := c.get(ctx, "/api/v1/journal", query, &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

var (
	txHashPattern       = regexp.MustCompile(`\b(0x)?[A-Fa-f0-9]{64}\b`)
	confirmationPattern = regexp.MustCompile(`Confirmation required\. ID: ([0-9A-Za-z-]+)`)
)

// ExtractTxHash returns the first 64-hex-character transaction hash found in
// a tool result, normalised with a 0x prefix.
func ExtractTxHash(text string) (string, bool) {
	match := txHashPattern.FindString(text)
	if match == "" {
		return "", false
	}
	if !strings.HasPrefix(match, "0x") {
		match = "0x" + match
	}
	return match, true
}

// ExtractConfirmationID returns the confirmation identifier of a tool result
// that asks for confirmation.
func ExtractConfirmationID(text string) (string, bool) {
	m := confirmationPattern.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// IsToolError reports whether a tool result is an "Error [CODE]: ..." text and
// returns the code.
func IsToolError(text string) (string, bool) {
	rest, ok := strings.CutPrefix(text, "Error [")
	if !ok {
		return "", false
	}
	code, _, ok := strings.Cut(rest, "]")
	return code, ok
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, nil, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	u := *c.baseURL
	u.Path = path.Join(c.baseURL.Path, endpoint)
	u.RawPath = ""
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: &apiErr})
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
