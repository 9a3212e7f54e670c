package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/apflow_backend/workflow"
)

// HTTPReasoningClient calls the semantic comparison service for free-text
// contract clauses. Its output is advisory only; the discrepancy engine
// decides what to do with the findings.
type HTTPReasoningClient struct {
	baseURL   string
	apiKey    string
	apiKeyHdr string
	http      *http.Client
	limiter   <-chan time.Time
}

func NewHTTPReasoningClient() (*HTTPReasoningClient, error) {
	baseURL := strings.TrimSpace(os.Getenv("REASONING_API_BASE_URL"))
	if baseURL == "" {
		return nil, errors.New("REASONING_API_BASE_URL is required")
	}
	apiKey := strings.TrimSpace(os.Getenv("REASONING_API_KEY"))
	if apiKey == "" {
		return nil, errors.New("REASONING_API_KEY is empty")
	}
	apiKeyHeader := strings.TrimSpace(os.Getenv("REASONING_API_KEY_HEADER"))
	if apiKeyHeader == "" {
		apiKeyHeader = "X-API-Key"
	}
	rateLimitPerMin := int64(30)
	if v := strings.TrimSpace(os.Getenv("REASONING_RATE_LIMIT_PER_MIN")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			rateLimitPerMin = n
		}
	}
	interval := time.Minute / time.Duration(rateLimitPerMin)

	return &HTTPReasoningClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		apiKeyHdr: apiKeyHeader,
		http:      &http.Client{Timeout: 60 * time.Second},
		limiter:   time.Tick(interval),
	}, nil
}

type compareTermsRequest struct {
	Prompt workflow.PromptContext `json:"prompt"`
	// Temperature zero keeps repeated comparisons of the same invoice stable.
	Temperature float64 `json:"temperature"`
}

func (c *HTTPReasoningClient) CompareTerms(ctx context.Context, prompt workflow.PromptContext) (workflow.ComparisonResult, error) {
	<-c.limiter
	payload, err := json.Marshal(compareTermsRequest{Prompt: prompt})
	if err != nil {
		return workflow.ComparisonResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/compare-terms", bytes.NewReader(payload))
	if err != nil {
		return workflow.ComparisonResult{}, err
	}
	req.Header.Set(c.apiKeyHdr, c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return workflow.ComparisonResult{}, &workflow.TransientExternalError{Op: "compare terms", Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if err := classifyStatus("compare terms", resp.StatusCode, body); err != nil {
		return workflow.ComparisonResult{}, err
	}

	var parsed workflow.ComparisonResult
	if err := json.Unmarshal(body, &parsed); err != nil {
		return workflow.ComparisonResult{}, &workflow.PermanentExternalError{
			Op: "compare terms", Reason: "malformed response", Err: err,
		}
	}
	return parsed, nil
}
