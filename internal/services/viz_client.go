package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/BernardOforiBoateng/chat-mrpt-sub016/internal/config"
	"github.com/BernardOforiBoateng/chat-mrpt-sub016/internal/models"
	"github.com/BernardOforiBoateng/chat-mrpt-sub016/internal/pkg/logger"
)

// VisualizationService renders computed results into charts/maps. Failures
// here must never fail the underlying analysis result.
type VisualizationService interface {
	Render(ctx context.Context, resultRef, vizType string) (*models.Visualization, error)
}

type VizClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *logger.Logger
}

func NewVizClient(cfg config.VisualizationConfig, log *logger.Logger) *VizClient {
	return &VizClient{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     log,
	}
}

func (client *VizClient) Render(ctx context.Context, resultRef, vizType string) (*models.Visualization, error) {
	startTime := time.Now()

	payload, err := json.Marshal(map[string]string{
		"result_ref": resultRef,
		"viz_type":   vizType,
	})
	if err != nil {
		return nil, models.NewInternalError("VIZ_MARSHAL_FAILED", "failed to encode render request").WithCause(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, client.baseURL+"/api/v1/render", bytes.NewReader(payload))
	if err != nil {
		return nil, models.WrapExternalError("VISUALIZATION", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.httpClient.Do(req)
	if err != nil {
		client.logger.LogService("visualization", "render", time.Since(startTime), map[string]interface{}{
			"result_ref": resultRef,
			"viz_type":   vizType,
		}, err)
		return nil, models.WrapExternalError("VISUALIZATION", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, models.WrapExternalError("VISUALIZATION", err)
	}
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("visualization service returned %d", resp.StatusCode)
		client.logger.LogService("visualization", "render", time.Since(startTime), map[string]interface{}{
			"result_ref": resultRef,
			"viz_type":   vizType,
			"status":     resp.StatusCode,
		}, err)
		return nil, models.WrapExternalError("VISUALIZATION", err)
	}

	var viz models.Visualization
	if err := json.Unmarshal(data, &viz); err != nil {
		return nil, models.NewExternalError("VIZ_DECODE_FAILED", "visualization service returned an unreadable response").WithCause(err)
	}
	if viz.VizType == "" {
		viz.VizType = vizType
	}

	client.logger.LogService("visualization", "render", time.Since(startTime), map[string]interface{}{
		"result_ref": resultRef,
		"viz_type":   vizType,
		"url":        viz.URL,
	}, nil)
	return &viz, nil
}
