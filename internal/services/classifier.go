package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"google.golang.org/genai"

	"github.com/BernardOforiBoateng/chat-mrpt-sub016/internal/config"
	"github.com/BernardOforiBoateng/chat-mrpt-sub016/internal/models"
	"github.com/BernardOforiBoateng/chat-mrpt-sub016/internal/pkg/logger"
)

// ClassificationResult is the model-backed tier's verdict on one message.
type ClassificationResult struct {
	Category   models.RoutingCategory
	Confidence float64
}

// IntentClassifier is the external classifier collaborator. It is treated as
// unreliable: callers must survive errors and timeouts.
type IntentClassifier interface {
	Classify(ctx context.Context, messageText, contextSummary string) (*ClassificationResult, error)
	HealthCheck(ctx context.Context) error
}

// ConversationalResponder produces free-form conversational answers.
type ConversationalResponder interface {
	GenerateReply(ctx context.Context, messageText string, history []models.ChatMessage) (string, error)
}

type GeminiService struct {
	client *genai.Client
	config config.GeminiConfig
	logger *logger.Logger
}

type generationRequest struct {
	Prompt      string
	SystemRole  string
	MaxTokens   int32
	Temperature *float32
}

func NewGeminiService(cfg config.GeminiConfig, log *logger.Logger) (*GeminiService, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini API key required")
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	log.Info("gemini service initialized",
		"model", cfg.Model,
		"max_tokens", cfg.MaxTokens,
		"timeout", cfg.Timeout.String())

	return &GeminiService{client: client, config: cfg, logger: log}, nil
}

func (service *GeminiService) generateContent(ctx context.Context, req *generationRequest) (string, error) {
	startTime := time.Now()

	operation := func() (string, error) {
		return service.makeGenerationRequest(ctx, req)
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = service.config.RetryDelay

	content, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(service.config.MaxRetries)))
	if err != nil {
		service.logger.LogService("gemini", "generate_content", time.Since(startTime), map[string]interface{}{
			"prompt_length": len(req.Prompt),
			"max_retries":   service.config.MaxRetries,
		}, err)
		if errors.Is(err, context.DeadlineExceeded) {
			return "", models.ErrClassifierTimeout.WithCause(err)
		}
		return "", models.WrapExternalError("GEMINI", err)
	}

	service.logger.LogService("gemini", "generate_content", time.Since(startTime), map[string]interface{}{
		"prompt_length":   len(req.Prompt),
		"response_length": len(content),
	}, nil)
	return content, nil
}

func (service *GeminiService) makeGenerationRequest(ctx context.Context, req *generationRequest) (string, error) {
	genCtx, cancel := context.WithTimeout(ctx, service.config.Timeout)
	defer cancel()

	genConfig := &genai.GenerateContentConfig{}
	if req.SystemRole != "" {
		genConfig.SystemInstruction = genai.NewContentFromText(req.SystemRole, genai.RoleUser)
	}
	if req.Temperature != nil {
		genConfig.Temperature = req.Temperature
	} else {
		temp := float32(service.config.Temperature)
		genConfig.Temperature = &temp
	}
	if req.MaxTokens != 0 {
		genConfig.MaxOutputTokens = req.MaxTokens
	} else {
		genConfig.MaxOutputTokens = int32(service.config.MaxTokens)
	}

	result, err := service.client.Models.GenerateContent(genCtx, service.config.Model, genai.Text(req.Prompt), genConfig)
	if err != nil {
		return "", fmt.Errorf("gemini generation failed: %w", err)
	}
	if len(result.Candidates) == 0 {
		return "", fmt.Errorf("no response candidates generated")
	}

	candidate := result.Candidates[0]
	text := ""
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			text += part.Text
		}
	}
	return text, nil
}

// Classify asks the model whether a message is conversational or a tool
// request. The response protocol is a single "category|confidence" line, as
// with the other line-oriented agent prompts.
func (service *GeminiService) Classify(ctx context.Context, messageText, contextSummary string) (*ClassificationResult, error) {
	lowTemp := float32(0.1)
	req := &generationRequest{
		Prompt:      service.buildClassificationPrompt(messageText, contextSummary),
		SystemRole:  "You are an expert intent classifier for a data analysis assistant.",
		MaxTokens:   64,
		Temperature: &lowTemp,
	}

	content, err := service.generateContent(ctx, req)
	if err != nil {
		return nil, err
	}

	result := parseClassification(content)
	service.logger.Debug("message classified",
		"category", string(result.Category),
		"confidence", result.Confidence)
	return result, nil
}

func (service *GeminiService) buildClassificationPrompt(messageText, contextSummary string) string {
	return fmt.Sprintf(`Classify the user message into exactly one category.

Message:
"%s"

Session context:
%s

Categories:
- tool_execution: the user wants to run, continue, or configure a data analysis
  or visualization (e.g. test positivity rates, rankings, maps, charts).
- conversational: greetings, thanks, questions about concepts, or anything
  that does not ask the system to operate on data.

Respond with a single line, no explanation:
category|confidence

Where confidence is a float between 0.0 and 1.0.
Examples:
tool_execution|0.92
conversational|0.85`, messageText, contextSummary)
}

func parseClassification(response string) *ClassificationResult {
	response = strings.TrimSpace(response)
	if response == "" {
		return &ClassificationResult{Category: models.CategoryConversational, Confidence: 0.4}
	}

	parts := strings.Split(response, "|")
	if len(parts) >= 2 {
		category := models.RoutingCategory(strings.ToLower(strings.TrimSpace(parts[0])))
		confidence, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err != nil || confidence < 0 || confidence > 1 {
			confidence = 0.5
		}
		switch category {
		case models.CategoryConversational, models.CategoryToolExecution:
			return &ClassificationResult{Category: category, Confidence: confidence}
		}
	}

	// Malformed responses degrade to a low-confidence conversational verdict
	// rather than an error: the router treats low confidence as ambiguous
	// only for data-touching messages.
	lower := strings.ToLower(response)
	if strings.Contains(lower, "tool") || strings.Contains(lower, "analysis") {
		return &ClassificationResult{Category: models.CategoryToolExecution, Confidence: 0.6}
	}
	return &ClassificationResult{Category: models.CategoryConversational, Confidence: 0.4}
}

// GenerateReply answers conversationally, with the recent transcript as
// grounding so side questions mid-workflow stay coherent.
func (service *GeminiService) GenerateReply(ctx context.Context, messageText string, history []models.ChatMessage) (string, error) {
	req := &generationRequest{
		Prompt:     service.buildReplyPrompt(messageText, history),
		SystemRole: "You are a helpful assistant for a health data analysis tool. Answer briefly and plainly.",
		MaxTokens:  int32(service.config.MaxTokens),
	}

	content, err := service.generateContent(ctx, req)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(content), nil
}

func (service *GeminiService) buildReplyPrompt(messageText string, history []models.ChatMessage) string {
	var transcript strings.Builder
	start := 0
	if len(history) > 10 {
		start = len(history) - 10
	}
	for _, msg := range history[start:] {
		transcript.WriteString(fmt.Sprintf("%s: %s\n", msg.Role, msg.Text))
	}

	return fmt.Sprintf(`Recent conversation:
%s
User message:
"%s"

Answer the user's message directly in 1-3 sentences. If they ask about health
data concepts (facility levels, age groups, test positivity rate), explain
them simply. Do not invent analysis results.`, transcript.String(), messageText)
}

func (service *GeminiService) HealthCheck(ctx context.Context) error {
	testCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	zero := float32(0)
	content, err := service.makeGenerationRequest(testCtx, &generationRequest{
		Prompt:      "Respond with 'OK' if you can process this request",
		MaxTokens:   10,
		Temperature: &zero,
	})
	if err != nil {
		return fmt.Errorf("gemini health check failed: %w", err)
	}
	if content == "" {
		return fmt.Errorf("gemini health check returned empty response")
	}
	return nil
}
