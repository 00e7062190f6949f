package services_test

import (
	"context"
	"strings"
	"testing"

	"github.com/BernardOforiBoateng/chat-mrpt-sub016/internal/config"
	"github.com/BernardOforiBoateng/chat-mrpt-sub016/internal/models"
	"github.com/BernardOforiBoateng/chat-mrpt-sub016/internal/services"
)

func newTestEngine(analysis *mockAnalysis, viz *mockViz) *services.WorkflowEngine {
	clarification := services.NewClarificationManager(config.RouterConfig{
		ConfidenceThreshold:  0.5,
		ClarificationRetries: 3,
	}, newTestLogger())
	return services.NewWorkflowEngine(analysis, viz, clarification, newTestLogger())
}

func newWorkflowSession() *models.Session {
	session := models.NewSession("workflow")
	session.DatasetRef = "dataset-7"
	return session
}

func stepDecision() *models.RoutingDecision {
	return &models.RoutingDecision{Category: models.CategoryToolExecution}
}

func TestWorkflowHappyPath(t *testing.T) {
	analysis := &mockAnalysis{}
	viz := &mockViz{}
	engine := newTestEngine(analysis, viz)
	session := newWorkflowSession()
	ctx := context.Background()

	result, err := engine.Start(ctx, session, models.WorkflowTypeTPR)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if !strings.Contains(result.ReplyText, "Ready to start?") {
		t.Errorf("expected introduction prompt, got:\n%s", result.ReplyText)
	}

	result, err = engine.Step(ctx, session, "yes", stepDecision())
	if err != nil {
		t.Fatalf("confirmation step failed: %v", err)
	}
	if session.ActiveWorkflow.CurrentStage != models.StageFacilitySelection {
		t.Fatalf("expected facility stage, got %s", session.ActiveWorkflow.CurrentStage)
	}
	if !strings.Contains(result.ReplyText, "Primary facilities (120 records)") {
		t.Errorf("expected stats-enriched facility options, got:\n%s", result.ReplyText)
	}

	// A typo resolves through the fuzzy tier without re-asking.
	result, err = engine.Step(ctx, session, "primery", stepDecision())
	if err != nil {
		t.Fatalf("facility step failed: %v", err)
	}
	if session.ActiveWorkflow.Slots[services.SlotFacilityLevel] != "primary" {
		t.Errorf("expected facility slot filled, got %+v", session.ActiveWorkflow.Slots)
	}
	if session.ActiveWorkflow.CurrentStage != models.StageAgeGroupSelection {
		t.Fatalf("expected age group stage, got %s", session.ActiveWorkflow.CurrentStage)
	}

	result, err = engine.Step(ctx, session, "first", stepDecision())
	if err != nil {
		t.Fatalf("terminal step failed: %v", err)
	}
	if !result.Completed {
		t.Fatal("expected workflow completed")
	}
	if !session.ActiveWorkflow.IsComplete() {
		t.Error("expected workflow instance marked complete")
	}
	if session.ActiveWorkflow.Slots[services.SlotAgeGroup] != "u5" {
		t.Errorf("expected age slot u5, got %+v", session.ActiveWorkflow.Slots)
	}
	if !strings.Contains(result.ReplyText, "12.5%") {
		t.Errorf("expected analysis summary, got:\n%s", result.ReplyText)
	}
	if len(result.Visualizations) != 1 || result.Visualizations[0].VizType != "bar_chart" {
		t.Errorf("expected one bar chart, got %+v", result.Visualizations)
	}
	if analysis.completions != 1 {
		t.Errorf("expected exactly one completion call, got %d", analysis.completions)
	}

	// The finished run is archived in the transcript.
	last := session.ChatHistory[len(session.ChatHistory)-1]
	if last.Role != models.RoleSystem || !strings.Contains(last.Text, "facility_level=primary") {
		t.Errorf("expected archived summary message, got %+v", last)
	}
}

func TestDecliningIntroductionCancels(t *testing.T) {
	engine := newTestEngine(&mockAnalysis{}, &mockViz{})
	session := newWorkflowSession()
	ctx := context.Background()

	if _, err := engine.Start(ctx, session, models.WorkflowTypeTPR); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	result, err := engine.Step(ctx, session, "no", stepDecision())
	if err != nil {
		t.Fatalf("decline step failed: %v", err)
	}
	if !result.Cancelled {
		t.Error("expected cancelled result")
	}
	if session.ActiveWorkflow != nil {
		t.Error("expected workflow cleared after decline")
	}
	if session.PendingClarification != nil || session.LastPresentedOptions != nil {
		t.Error("expected prompt state cleared after decline")
	}
}

func TestUnrecognizedAnswerAsksForClarification(t *testing.T) {
	engine := newTestEngine(&mockAnalysis{}, &mockViz{})
	session := newWorkflowSession()
	ctx := context.Background()

	engine.Start(ctx, session, models.WorkflowTypeTPR)
	engine.Step(ctx, session, "yes", stepDecision())

	result, err := engine.Step(ctx, session, "the fancy ones", stepDecision())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if session.PendingClarification == nil {
		t.Fatal("expected a clarification to be pending")
	}
	if session.PendingClarification.ExpectedSlot != services.SlotFacilityLevel {
		t.Errorf("expected facility slot awaited, got %q", session.PendingClarification.ExpectedSlot)
	}
	if !strings.Contains(result.ReplyText, "facility level") {
		t.Errorf("expected clarification prompt, got:\n%s", result.ReplyText)
	}

	// Answering the clarification advances the workflow.
	result, err = engine.Step(ctx, session, "2", stepDecision())
	if err != nil {
		t.Fatalf("clarified step failed: %v", err)
	}
	if session.ActiveWorkflow.Slots[services.SlotFacilityLevel] != "secondary" {
		t.Errorf("expected secondary, got %+v", session.ActiveWorkflow.Slots)
	}
	if session.PendingClarification != nil {
		t.Error("expected clarification consumed")
	}
	if session.ActiveWorkflow.CurrentStage != models.StageAgeGroupSelection {
		t.Errorf("expected age group stage, got %s", session.ActiveWorkflow.CurrentStage)
	}
}

func TestGoBackRestoresEarlierStage(t *testing.T) {
	engine := newTestEngine(&mockAnalysis{}, &mockViz{})
	session := newWorkflowSession()
	ctx := context.Background()

	engine.Start(ctx, session, models.WorkflowTypeTPR)
	engine.Step(ctx, session, "yes", stepDecision())
	engine.Step(ctx, session, "primary", stepDecision())

	result, err := engine.Step(ctx, session, "go back", stepDecision())
	if err != nil {
		t.Fatalf("go back failed: %v", err)
	}
	if session.ActiveWorkflow.CurrentStage != models.StageFacilitySelection {
		t.Fatalf("expected facility stage restored, got %s", session.ActiveWorkflow.CurrentStage)
	}
	if !strings.Contains(result.ReplyText, "facility level") {
		t.Errorf("expected facility prompt re-issued, got:\n%s", result.ReplyText)
	}

	// Re-answering overwrites the earlier choice and moves forward again.
	_, err = engine.Step(ctx, session, "tertiary", stepDecision())
	if err != nil {
		t.Fatalf("re-answer failed: %v", err)
	}
	if session.ActiveWorkflow.Slots[services.SlotFacilityLevel] != "tertiary" {
		t.Errorf("expected tertiary after revision, got %+v", session.ActiveWorkflow.Slots)
	}
	if session.ActiveWorkflow.CurrentStage != models.StageAgeGroupSelection {
		t.Errorf("expected age group stage, got %s", session.ActiveWorkflow.CurrentStage)
	}
}

func TestChangeSlotByName(t *testing.T) {
	engine := newTestEngine(&mockAnalysis{}, &mockViz{})
	session := newWorkflowSession()
	ctx := context.Background()

	engine.Start(ctx, session, models.WorkflowTypeTPR)
	engine.Step(ctx, session, "yes", stepDecision())
	engine.Step(ctx, session, "primary", stepDecision())

	_, err := engine.Step(ctx, session, "actually i want to change the facility level", stepDecision())
	if err != nil {
		t.Fatalf("change request failed: %v", err)
	}
	if session.ActiveWorkflow.CurrentStage != models.StageFacilitySelection {
		t.Errorf("expected facility stage re-entered, got %s", session.ActiveWorkflow.CurrentStage)
	}
}

func TestCompletionFailurePreservesSlots(t *testing.T) {
	analysis := &mockAnalysis{failCompletion: true}
	engine := newTestEngine(analysis, &mockViz{})
	session := newWorkflowSession()
	ctx := context.Background()

	engine.Start(ctx, session, models.WorkflowTypeTPR)
	engine.Step(ctx, session, "yes", stepDecision())
	engine.Step(ctx, session, "primary", stepDecision())

	result, err := engine.Step(ctx, session, "u5", stepDecision())
	if err == nil {
		t.Fatal("expected completion error")
	}
	if !strings.Contains(result.ReplyText, "Your answers are saved") {
		t.Errorf("expected retry guidance, got:\n%s", result.ReplyText)
	}
	if session.ActiveWorkflow.IsComplete() {
		t.Error("failed completion must not mark the workflow complete")
	}
	if session.ActiveWorkflow.Slots[services.SlotFacilityLevel] != "primary" ||
		session.ActiveWorkflow.Slots[services.SlotAgeGroup] != "u5" {
		t.Errorf("expected all slots preserved for retry, got %+v", session.ActiveWorkflow.Slots)
	}

	// Retry re-runs only the completion action.
	analysis.failCompletion = false
	result, err = engine.Step(ctx, session, "retry", stepDecision())
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if !result.Completed {
		t.Error("expected completion on retry")
	}
	if analysis.completions != 2 {
		t.Errorf("expected two completion attempts, got %d", analysis.completions)
	}
}

func TestVisualizationFailureDoesNotFailAnalysis(t *testing.T) {
	engine := newTestEngine(&mockAnalysis{}, &mockViz{fail: true})
	session := newWorkflowSession()
	ctx := context.Background()

	engine.Start(ctx, session, models.WorkflowTypeTPR)
	engine.Step(ctx, session, "yes", stepDecision())
	engine.Step(ctx, session, "primary", stepDecision())

	result, err := engine.Step(ctx, session, "all ages", stepDecision())
	if err != nil {
		t.Fatalf("completion must survive a render failure: %v", err)
	}
	if !result.Completed {
		t.Error("expected completed result")
	}
	if len(result.Visualizations) != 0 {
		t.Errorf("expected no visualizations, got %+v", result.Visualizations)
	}
}

func TestCurrentPromptDoesNotAdvance(t *testing.T) {
	engine := newTestEngine(&mockAnalysis{}, &mockViz{})
	session := newWorkflowSession()
	ctx := context.Background()

	engine.Start(ctx, session, models.WorkflowTypeTPR)
	engine.Step(ctx, session, "yes", stepDecision())

	before := session.ActiveWorkflow.CurrentStage
	prompt := engine.CurrentPrompt(ctx, session)
	if !strings.Contains(prompt, "facility level") {
		t.Errorf("expected current stage prompt, got:\n%s", prompt)
	}
	if session.ActiveWorkflow.CurrentStage != before {
		t.Error("re-emitting the prompt must not advance the stage")
	}
	if len(session.ActiveWorkflow.Slots) != 1 {
		t.Errorf("re-emitting the prompt must not touch slots, got %+v", session.ActiveWorkflow.Slots)
	}
}

func TestSuggestionsFollowState(t *testing.T) {
	engine := newTestEngine(&mockAnalysis{}, &mockViz{})
	ctx := context.Background()

	bare := models.NewSession("suggestions")
	if got := engine.Suggestions(bare); len(got) != 0 {
		t.Errorf("expected no suggestions without data, got %v", got)
	}

	session := newWorkflowSession()
	got := engine.Suggestions(session)
	if len(got) == 0 || got[0] != "Calculate test positivity rate" {
		t.Errorf("expected analysis suggestion with a dataset, got %v", got)
	}

	engine.Start(ctx, session, models.WorkflowTypeTPR)
	engine.Step(ctx, session, "yes", stepDecision())
	got = engine.Suggestions(session)
	if len(got) != 2 || got[1] != "Go back" {
		t.Errorf("expected continue/go-back mid-workflow, got %v", got)
	}

	engine.Step(ctx, session, "primary", stepDecision())
	engine.Step(ctx, session, "all ages", stepDecision())
	got = engine.Suggestions(session)
	if len(got) != 2 || got[0] != "Rank facilities by positivity rate" {
		t.Errorf("expected transition suggestion after completion, got %v", got)
	}
}
