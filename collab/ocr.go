package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/apflow_backend/workflow"
)

// HTTPOCRClient talks to the external OCR service. Failure classification
// happens here so the orchestrator only sees the transient/permanent
// taxonomy.
type HTTPOCRClient struct {
	baseURL   string
	apiKey    string
	apiKeyHdr string
	http      *http.Client
	limiter   <-chan time.Time
}

func NewHTTPOCRClient() (*HTTPOCRClient, error) {
	baseURL := strings.TrimSpace(os.Getenv("OCR_API_BASE_URL"))
	if baseURL == "" {
		return nil, errors.New("OCR_API_BASE_URL is required")
	}
	apiKey := strings.TrimSpace(os.Getenv("OCR_API_KEY"))
	if apiKey == "" {
		return nil, errors.New("OCR_API_KEY is empty")
	}
	apiKeyHeader := strings.TrimSpace(os.Getenv("OCR_API_KEY_HEADER"))
	if apiKeyHeader == "" {
		apiKeyHeader = "X-API-Key"
	}
	rateLimitPerMin := int64(60)
	if v := strings.TrimSpace(os.Getenv("OCR_RATE_LIMIT_PER_MIN")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			rateLimitPerMin = n
		}
	}
	interval := time.Minute / time.Duration(rateLimitPerMin)

	return &HTTPOCRClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		apiKeyHdr: apiKeyHeader,
		http:      &http.Client{Timeout: 60 * time.Second},
		limiter:   time.Tick(interval),
	}, nil
}

func (c *HTTPOCRClient) Recognize(ctx context.Context, document []byte, mimeType string) (workflow.OCRResult, error) {
	<-c.limiter
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/recognize", bytes.NewReader(document))
	if err != nil {
		return workflow.OCRResult{}, err
	}
	req.Header.Set(c.apiKeyHdr, c.apiKey)
	req.Header.Set("Content-Type", mimeType)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return workflow.OCRResult{}, &workflow.TransientExternalError{Op: "ocr recognize", Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if err := classifyStatus("ocr recognize", resp.StatusCode, body); err != nil {
		return workflow.OCRResult{}, err
	}

	var parsed workflow.OCRResult
	if err := json.Unmarshal(body, &parsed); err != nil {
		return workflow.OCRResult{}, &workflow.PermanentExternalError{
			Op: "ocr recognize", Reason: "malformed response", Err: err,
		}
	}
	return parsed, nil
}

// classifyStatus maps HTTP status codes onto the stage error taxonomy:
// timeouts, throttling and 5xx are retryable; unsupported or unreadable
// documents are not.
func classifyStatus(op string, status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	detail := fmt.Errorf("%s returned %d: %s", op, status, strings.TrimSpace(string(body)))
	switch {
	case status == http.StatusRequestTimeout,
		status == http.StatusTooManyRequests,
		status >= 500:
		return &workflow.TransientExternalError{Op: op, Err: detail}
	case status == http.StatusUnsupportedMediaType:
		return &workflow.PermanentExternalError{Op: op, Reason: "unsupported format", Err: detail}
	case status == http.StatusUnprocessableEntity:
		return &workflow.PermanentExternalError{Op: op, Reason: "unreadable document", Err: detail}
	default:
		return &workflow.PermanentExternalError{Op: op, Reason: fmt.Sprintf("rejected with status %d", status), Err: detail}
	}
}
