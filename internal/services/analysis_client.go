package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/BernardOforiBoateng/chat-mrpt-sub016/internal/config"
	"github.com/BernardOforiBoateng/chat-mrpt-sub016/internal/models"
	"github.com/BernardOforiBoateng/chat-mrpt-sub016/internal/pkg/logger"
)

// AnalysisEngine is the statistical/geospatial collaborator. It computes the
// aggregates used both for clarification-prompt enrichment and for workflow
// completion actions.
type AnalysisEngine interface {
	ComputeStats(ctx context.Context, datasetRef string, filters map[string]string) (*StatsResult, error)
	RunWorkflowCompletion(ctx context.Context, workflowType models.WorkflowType, slots map[string]string, datasetRef string) (*CompletionResult, error)
	HealthCheck(ctx context.Context) error
}

type StatsResult struct {
	Counts   map[string]int64   `json:"counts"`
	Rates    map[string]float64 `json:"rates"`
	Rankings []RankingEntry     `json:"rankings,omitempty"`
}

type RankingEntry struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Rank  int     `json:"rank"`
}

type CompletionResult struct {
	ResultRef string             `json:"result_ref"`
	Summary   string             `json:"summary"`
	Rates     map[string]float64 `json:"rates,omitempty"`
}

type AnalysisClient struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
	logger     *logger.Logger
}

func NewAnalysisClient(cfg config.AnalysisConfig, log *logger.Logger) *AnalysisClient {
	return &AnalysisClient{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		maxRetries: cfg.MaxRetries,
		logger:     log,
	}
}

func (client *AnalysisClient) ComputeStats(ctx context.Context, datasetRef string, filters map[string]string) (*StatsResult, error) {
	startTime := time.Now()

	body := map[string]interface{}{
		"dataset_ref": datasetRef,
		"filters":     filters,
	}

	var result StatsResult
	err := client.postJSON(ctx, "/api/v1/stats", body, &result)

	client.logger.LogService("analysis_engine", "compute_stats", time.Since(startTime), map[string]interface{}{
		"dataset_ref": datasetRef,
		"filters":     filters,
	}, err)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (client *AnalysisClient) RunWorkflowCompletion(ctx context.Context, workflowType models.WorkflowType, slots map[string]string, datasetRef string) (*CompletionResult, error) {
	startTime := time.Now()

	body := map[string]interface{}{
		"workflow_type": workflowType,
		"slots":         slots,
		"dataset_ref":   datasetRef,
	}

	var result CompletionResult
	err := client.postJSON(ctx, "/api/v1/workflows/complete", body, &result)

	client.logger.LogService("analysis_engine", "run_workflow_completion", time.Since(startTime), map[string]interface{}{
		"workflow_type": string(workflowType),
		"dataset_ref":   datasetRef,
		"slot_count":    len(slots),
	}, err)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (client *AnalysisClient) postJSON(ctx context.Context, path string, body interface{}, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return models.NewInternalError("ANALYSIS_MARSHAL_FAILED", "failed to encode analysis request").WithCause(err)
	}

	operation := func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, client.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("analysis engine returned %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, backoff.Permanent(fmt.Errorf("analysis engine returned %d: %s", resp.StatusCode, string(data)))
		}
		return data, nil
	}

	data, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(uint(client.maxRetries+1)))
	if err != nil {
		return models.WrapExternalError("ANALYSIS_ENGINE", err)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return models.NewExternalError("ANALYSIS_DECODE_FAILED", "analysis engine returned an unreadable response").WithCause(err)
	}
	return nil
}

func (client *AnalysisClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, client.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := client.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("analysis engine unhealthy: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("analysis engine unhealthy: status %d", resp.StatusCode)
	}
	return nil
}
