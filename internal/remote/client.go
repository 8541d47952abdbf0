package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/zcrmtools/crmdash/internal/schema"
)

// API paths.
const (
	functionsPath       = "/crm/v8/settings/functions"
	scriptPagesPath     = "/crm/v2.2/settings/cscript_pages"
	scriptSnippetsPath  = "/crm/v2.2/settings/cscript_snippets"
	staticResourcesPath = "/crm/v2.2/settings/static_resources"

	// NoSourcePlaceholder is the body of a function whose detail carries
	// neither a workflow nor a script.
	NoSourcePlaceholder = "// No source available"

	codeNoContent = "NO_CONTENT"
)

// Config holds client settings.
type Config struct {
	// BaseURL is the API domain, e.g. https://www.zohoapis.com.
	BaseURL string

	// Token is the OAuth access token.
	Token string

	// Timeout bounds each request (default: 30s).
	Timeout time.Duration

	// PageSize is the function listing page size (default: 200).
	PageSize int

	// HTTPClient overrides the default client. Timeout is ignored when set.
	HTTPClient *http.Client

	// Logger for warnings (default: stderr with [remote] prefix).
	Logger *log.Logger
}

// DefaultConfig returns the default client settings.
func DefaultConfig() Config {
	return Config{
		Timeout:  30 * time.Second,
		PageSize: 200,
	}
}

// Client is the HTTP implementation of Source.
type Client struct {
	baseURL    *url.URL
	token      string
	pageSize   int
	httpClient *http.Client
	logger     *log.Logger
}

var _ Source = (*Client)(nil)

// New creates a client with default settings.
func New(baseURL, token string) (*Client, error) {
	cfg := DefaultConfig()
	cfg.BaseURL = baseURL
	cfg.Token = token
	return NewWithConfig(cfg)
}

// NewWithConfig creates a client with custom settings.
func NewWithConfig(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q: scheme and host are required", cfg.BaseURL)
	}

	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultConfig().PageSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}

	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}

	return &Client{
		baseURL:    base,
		token:      cfg.Token,
		pageSize:   cfg.PageSize,
		httpClient: hc,
		logger:     cfg.Logger,
	}, nil
}

// apiError is the error envelope of the CRM API.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

// getJSON performs an authenticated GET and decodes the body into target.
// A 204 response or a NO_CONTENT error code yields ErrNotFound.
func (c *Client) getJSON(ctx context.Context, op, path string, query url.Values, target any) error {
	u := *c.baseURL
	u.Path = u.Path + path
	u.RawQuery = query.Encode()
	rawURL := u.String()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return &TransportError{Op: op, URL: rawURL, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Zoho-oauthtoken "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: op, URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return ErrNotFound
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Op: op, URL: rawURL, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("failed to read response body: %w", err)}
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Code != "" {
			if apiErr.Code == codeNoContent {
				return ErrNotFound
			}
			return &TransportError{Op: op, URL: rawURL, StatusCode: resp.StatusCode,
				Code: apiErr.Code, Err: errors.New(apiErr.Message)}
		}
		return &TransportError{Op: op, URL: rawURL, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("unexpected response: %s", truncate(string(body), 200))}
	}

	if len(strings.TrimSpace(string(body))) == 0 {
		return ErrNotFound
	}

	if err := json.Unmarshal(body, target); err != nil {
		return &TransportError{Op: op, URL: rawURL, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("failed to parse response: %w", err)}
	}
	return nil
}

// ListFunctions implements Source.
func (c *Client) ListFunctions(ctx context.Context) ([]schema.Function, error) {
	var all []schema.Function

	for start := 1; ; start += c.pageSize {
		var page struct {
			Functions []schema.Function `json:"functions"`
		}
		q := url.Values{}
		q.Set("type", "org")
		q.Set("start", strconv.Itoa(start))
		q.Set("limit", strconv.Itoa(c.pageSize))

		err := c.getJSON(ctx, "list functions", functionsPath, q, &page)
		if errors.Is(err, ErrNotFound) {
			if start == 1 {
				return nil, ErrNotFound
			}
			break
		}
		if err != nil {
			if start == 1 {
				return nil, err
			}
			c.logger.Printf("WARNING: function listing stopped at offset %d: %v", start, err)
			break
		}

		all = append(all, page.Functions...)
		if len(page.Functions) < c.pageSize {
			break
		}
	}

	return all, nil
}

// functionDetail is the detail payload; the body is in workflow or script
// depending on the function type.
type functionDetail struct {
	Workflow   string        `json:"workflow"`
	Script     string        `json:"script"`
	ModifiedBy *schema.Actor `json:"modified_by"`
	ModifiedOn string        `json:"modified_on"`
	ReturnType string        `json:"return_type"`
}

// FetchFunctionDetail implements Source.
func (c *Client) FetchFunctionDetail(ctx context.Context, id, sourceKind string) (*schema.FunctionDetail, error) {
	if id == "" {
		return nil, fmt.Errorf("function id is required")
	}
	if sourceKind == "" {
		sourceKind = "crm"
	}

	var resp struct {
		Functions []functionDetail `json:"functions"`
	}
	q := url.Values{}
	q.Set("source", sourceKind)

	op := "fetch function " + id
	if err := c.getJSON(ctx, op, functionsPath+"/"+url.PathEscape(id), q, &resp); err != nil {
		return nil, err
	}
	if len(resp.Functions) == 0 {
		return nil, &TransportError{Op: op, Err: errors.New("no function data returned")}
	}

	d := resp.Functions[0]
	body := d.Workflow
	if body == "" {
		body = d.Script
	}
	if body == "" {
		body = NoSourcePlaceholder
	}
	return &schema.FunctionDetail{
		SourceCode: body,
		ModifiedBy: d.ModifiedBy,
		ModifiedOn: d.ModifiedOn,
		ReturnType: d.ReturnType,
	}, nil
}

// ListPages implements Source.
func (c *Client) ListPages(ctx context.Context) ([]schema.Page, error) {
	var resp struct {
		Pages []schema.Page `json:"cscript_pages"`
	}
	q := url.Values{}
	q.Set("include_extra_details", "true")

	err := c.getJSON(ctx, "list script pages", scriptPagesPath, q, &resp)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return resp.Pages, nil
}

// ListScriptsForPage implements Source.
func (c *Client) ListScriptsForPage(ctx context.Context, page schema.Page) ([]schema.Script, error) {
	if page.UUID == "" {
		return nil, fmt.Errorf("page uuid is required")
	}

	var resp struct {
		Snippets []schema.Script `json:"cscript_snippets"`
	}
	q := url.Values{}
	q.Set("page_uuid", page.UUID)

	err := c.getJSON(ctx, "list scripts of page "+page.UUID, scriptSnippetsPath, q, &resp)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	info := page.Info()
	for i := range resp.Snippets {
		resp.Snippets[i].PageInfo = info
	}
	return resp.Snippets, nil
}

// ListStaticResources implements Source. Only user-uploaded resources are
// returned.
func (c *Client) ListStaticResources(ctx context.Context) ([]schema.StaticResource, error) {
	var resp struct {
		Resources []schema.StaticResource `json:"static_resources"`
	}
	q := url.Values{}
	q.Set("page", "1")
	q.Set("per_page", "200")

	err := c.getJSON(ctx, "list static resources", staticResourcesPath, q, &resp)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []schema.StaticResource
	for _, r := range resp.Resources {
		if r.Source == "user" {
			out = append(out, r)
		}
	}
	return out, nil
}

// FetchScriptSource implements Source. Script bodies are hosted outside
// the API domain and fetched without credentials.
func (c *Client) FetchScriptSource(ctx context.Context, rawURL string) (string, error) {
	const op = "fetch script source"

	u, err := url.Parse(rawURL)
	if err != nil || rawURL == "" {
		return "", &TransportError{Op: op, URL: rawURL, Err: fmt.Errorf("invalid source URL")}
	}
	if !u.IsAbs() {
		u = c.baseURL.ResolveReference(u)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", &TransportError{Op: op, URL: u.String(), Err: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &TransportError{Op: op, URL: u.String(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &TransportError{Op: op, URL: u.String(), StatusCode: resp.StatusCode,
			Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &TransportError{Op: op, URL: u.String(), StatusCode: resp.StatusCode,
			Err: fmt.Errorf("failed to read response body: %w", err)}
	}
	return string(body), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
