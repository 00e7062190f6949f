package services_test

import (
	"context"
	"sync"
	"time"

	"github.com/BernardOforiBoateng/chat-mrpt-sub016/internal/models"
	"github.com/BernardOforiBoateng/chat-mrpt-sub016/internal/pkg/logger"
	"github.com/BernardOforiBoateng/chat-mrpt-sub016/internal/services"
)

func newTestLogger() *logger.Logger {
	testLogger, _ := logger.New(logger.Config{
		Level:  "error",
		Format: "json",
		Output: "stdout",
	})
	return testLogger
}

// memoryBackend is an in-process SessionBackend. Sharing one instance across
// several SessionStore handles simulates several workers over one redis.
type memoryBackend struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	version int64
	payload []byte
}

func newMemoryBackend() *memoryBackend {
	return &memoryBackend{entries: make(map[string]memoryEntry)}
}

func (b *memoryBackend) Get(ctx context.Context, sessionID string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.entries[sessionID]
	if !ok {
		return nil, models.ErrSessionNotFound
	}
	return entry.payload, nil
}

func (b *memoryBackend) CompareAndSwap(ctx context.Context, sessionID string, payload []byte, expectedVersion, newVersion int64, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	current := int64(0)
	if entry, ok := b.entries[sessionID]; ok {
		current = entry.version
	}
	if current != expectedVersion {
		return models.ErrVersionConflict
	}
	b.entries[sessionID] = memoryEntry{version: newVersion, payload: payload}
	return nil
}

func (b *memoryBackend) Delete(ctx context.Context, sessionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, sessionID)
	return nil
}

func (b *memoryBackend) Ping(ctx context.Context) error { return nil }
func (b *memoryBackend) Close() error                   { return nil }

// put seeds a raw payload, bypassing CAS.
func (b *memoryBackend) put(sessionID string, version int64, payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[sessionID] = memoryEntry{version: version, payload: payload}
}

// failingBackend simulates a primary store outage.
type failingBackend struct{}

func (b *failingBackend) Get(ctx context.Context, sessionID string) ([]byte, error) {
	return nil, models.NewExternalError("REDIS_GET_FAILED", "connection refused")
}

func (b *failingBackend) CompareAndSwap(ctx context.Context, sessionID string, payload []byte, expectedVersion, newVersion int64, ttl time.Duration) error {
	return models.NewExternalError("REDIS_CAS_FAILED", "connection refused")
}

func (b *failingBackend) Delete(ctx context.Context, sessionID string) error {
	return models.NewExternalError("REDIS_DELETE_FAILED", "connection refused")
}

func (b *failingBackend) Ping(ctx context.Context) error { return models.NewExternalError("REDIS_PING_FAILED", "connection refused") }
func (b *failingBackend) Close() error                   { return nil }

// mockClassifier is a scriptable IntentClassifier.
type mockClassifier struct {
	result *services.ClassificationResult
	err    error
	calls  int
}

func (m *mockClassifier) Classify(ctx context.Context, messageText, contextSummary string) (*services.ClassificationResult, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return m.result, nil
}

func (m *mockClassifier) HealthCheck(ctx context.Context) error { return m.err }

// mockAnalysis is a scriptable AnalysisEngine.
type mockAnalysis struct {
	failCompletion bool
	completions    int
	lastSlots      map[string]string
}

func (m *mockAnalysis) ComputeStats(ctx context.Context, datasetRef string, filters map[string]string) (*services.StatsResult, error) {
	return &services.StatsResult{
		Counts: map[string]int64{
			"primary": 120, "secondary": 45, "tertiary": 12, "all": 177,
			"u5": 80, "5_14": 50, "15_plus": 47, "all_ages": 177,
		},
	}, nil
}

func (m *mockAnalysis) RunWorkflowCompletion(ctx context.Context, workflowType models.WorkflowType, slots map[string]string, datasetRef string) (*services.CompletionResult, error) {
	m.completions++
	m.lastSlots = slots
	if m.failCompletion {
		return nil, models.NewExternalError("ANALYSIS_FAILED", "computation backend unavailable")
	}
	return &services.CompletionResult{
		ResultRef: "result-001",
		Summary:   "Test positivity rate is 12.5% for the selected facilities and age group.",
		Rates:     map[string]float64{"overall": 12.5},
	}, nil
}

func (m *mockAnalysis) HealthCheck(ctx context.Context) error { return nil }

// mockViz is a scriptable VisualizationService.
type mockViz struct {
	fail    bool
	renders int
}

func (m *mockViz) Render(ctx context.Context, resultRef, vizType string) (*models.Visualization, error) {
	m.renders++
	if m.fail {
		return nil, models.NewExternalError("VIZ_FAILED", "renderer unavailable")
	}
	return &models.Visualization{VizType: vizType, URL: "https://viz.local/" + resultRef}, nil
}

// mockResponder is a canned ConversationalResponder.
type mockResponder struct {
	reply string
	err   error
	calls int
}

func (m *mockResponder) GenerateReply(ctx context.Context, messageText string, history []models.ChatMessage) (string, error) {
	m.calls++
	if m.err != nil {
		return "", m.err
	}
	return m.reply, nil
}
