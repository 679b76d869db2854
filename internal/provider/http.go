package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/admetrica/report-orchestrator/internal/report"
)

const defaultTimeout = 30 * time.Second

// HTTPClient talks to the report provider's REST API. It performs exactly
// one attempt per call: temporal retry belongs to the next scheduled cycle,
// not to this layer.
type HTTPClient struct {
	cfg    Config
	client *http.Client
}

// NewHTTPClient creates an HTTP provider client.
func NewHTTPClient(cfg Config) (*HTTPClient, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("provider endpoint is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPClient{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}, nil
}

type createReportBody struct {
	ProfileID    string `json:"profileId"`
	AdsAccountID string `json:"adsAccountId"`
	WindowStart  string `json:"windowStart"`
	Aggregation  string `json:"aggregation"`
	EntityType   string `json:"entityType"`
}

type createReportResponse struct {
	ReportID string `json:"reportId"`
}

type retrieveReportResponse struct {
	ReportID  string `json:"reportId"`
	Status    string `json:"status"`
	ResultRef string `json:"url,omitempty"`
	Error     string `json:"error,omitempty"`
}

// CreateReport submits an asynchronous report job.
func (c *HTTPClient) CreateReport(ctx context.Context, req CreateRequest) (CreateResult, error) {
	body, err := json.Marshal(createReportBody{
		ProfileID:    req.ProfileID,
		AdsAccountID: req.AdsAccountID,
		WindowStart:  req.WindowStart.UTC().Format(time.RFC3339),
		Aggregation:  string(req.Aggregation),
		EntityType:   string(req.EntityType),
	})
	if err != nil {
		return CreateResult{}, &report.ProviderError{Op: "create", Message: err.Error(), Err: err}
	}

	var resp createReportResponse
	if err := c.do(ctx, "create", http.MethodPost, c.cfg.Endpoint+"/reporting/reports", req.ProfileID, body, &resp); err != nil {
		return CreateResult{}, err
	}
	if resp.ReportID == "" {
		return CreateResult{}, &report.ProviderError{Op: "create", Message: "provider returned empty report id"}
	}
	return CreateResult{ReportID: resp.ReportID}, nil
}

// RetrieveReport polls a report job's status.
func (c *HTTPClient) RetrieveReport(ctx context.Context, profileID, reportID string) (RetrieveResult, error) {
	url := c.cfg.Endpoint + "/reporting/reports/" + reportID

	var resp retrieveReportResponse
	if err := c.do(ctx, "retrieve", http.MethodGet, url, profileID, nil, &resp); err != nil {
		return RetrieveResult{}, err
	}

	switch ReportStatus(resp.Status) {
	case StatusPending, StatusCompleted, StatusFailed:
		return RetrieveResult{
			Status:        ReportStatus(resp.Status),
			ResultRef:     resp.ResultRef,
			FailureReason: resp.Error,
		}, nil
	default:
		return RetrieveResult{}, &report.ProviderError{
			Op:      "retrieve",
			Message: fmt.Sprintf("unknown report status %q", resp.Status),
		}
	}
}

// do performs a single request and decodes the response, classifying
// failures into ProviderError with the upstream status code.
func (c *HTTPClient) do(ctx context.Context, op, method, url, profileID string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return &report.ProviderError{Op: op, Message: err.Error(), Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Amazon-Advertising-API-Scope", profileID)
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		code := ""
		if errors.Is(err, context.DeadlineExceeded) {
			code = "TIMEOUT"
		}
		return &report.ProviderError{Op: op, Code: code, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &report.ProviderError{
			Op:      op,
			Code:    strconv.Itoa(resp.StatusCode),
			Message: string(respBody),
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &report.ProviderError{Op: op, Message: "decode response: " + err.Error(), Err: err}
	}
	return nil
}
