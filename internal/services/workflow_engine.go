package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/BernardOforiBoateng/chat-mrpt-sub016/internal/models"
	"github.com/BernardOforiBoateng/chat-mrpt-sub016/internal/pkg/logger"
)

// Slot names used by the built-in workflow definitions.
const (
	SlotConfirmation  = "confirmation"
	SlotFacilityLevel = "facility_level"
	SlotAgeGroup      = "age_group"
)

// StageDefinition declares one state of a workflow FSM: the slot it fills,
// how its prompt and options are built, and where it goes next.
type StageDefinition struct {
	Stage       models.WorkflowStage
	Description string
	SlotName    string

	// Prerequisites are slot names that must already be filled before the
	// stage can be entered.
	Prerequisites []string

	// Next is the stage entered once this stage's slot is filled. The
	// terminal input stage points at StageComplete.
	Next models.WorkflowStage

	// BuildOptions may consult the analysis engine for per-option stats;
	// a nil engine or a failed call degrades to options without stats.
	BuildOptions func(ctx context.Context, engine *WorkflowEngine, session *models.Session) []models.Option
}

// WorkflowDefinition is an ordered FSM declaration for one workflow type.
// Dispatch is through the engine's definition table, keyed by type.
type WorkflowDefinition struct {
	Type        models.WorkflowType
	DisplayName string
	Stages      []StageDefinition

	// TransitionSuggestion is offered once the workflow completes.
	TransitionSuggestion string
}

func (def *WorkflowDefinition) stage(name models.WorkflowStage) *StageDefinition {
	for i := range def.Stages {
		if def.Stages[i].Stage == name {
			return &def.Stages[i]
		}
	}
	return nil
}

// StepResult is one workflow turn's outcome.
type StepResult struct {
	ReplyText      string
	Visualizations []models.Visualization
	Completed      bool
	Cancelled      bool
}

// WorkflowEngine drives multi-stage workflows to completion, tolerant of
// interruptions, typos and navigation. It holds no per-session state; the
// session carries everything across workers.
type WorkflowEngine struct {
	definitions   map[models.WorkflowType]*WorkflowDefinition
	analysis      AnalysisEngine
	visualization VisualizationService
	clarification *ClarificationManager
	logger        *logger.Logger
}

func NewWorkflowEngine(analysis AnalysisEngine, visualization VisualizationService, clarification *ClarificationManager, log *logger.Logger) *WorkflowEngine {
	engine := &WorkflowEngine{
		definitions:   make(map[models.WorkflowType]*WorkflowDefinition),
		analysis:      analysis,
		visualization: visualization,
		clarification: clarification,
		logger:        log,
	}
	engine.register(tprWorkflowDefinition())
	return engine
}

func (engine *WorkflowEngine) register(def *WorkflowDefinition) {
	engine.definitions[def.Type] = def
}

// Definition returns the FSM declaration for a workflow type.
func (engine *WorkflowEngine) Definition(workflowType models.WorkflowType) (*WorkflowDefinition, bool) {
	def, ok := engine.definitions[workflowType]
	return def, ok
}

func tprWorkflowDefinition() *WorkflowDefinition {
	return &WorkflowDefinition{
		Type:        models.WorkflowTypeTPR,
		DisplayName: "Test positivity rate analysis",
		Stages: []StageDefinition{
			{
				Stage:       models.StageIntroduction,
				Description: "I can calculate test positivity rates from your uploaded data. This takes a couple of quick questions. Ready to start?",
				SlotName:    SlotConfirmation,
				Next:        models.StageFacilitySelection,
				BuildOptions: func(ctx context.Context, engine *WorkflowEngine, session *models.Session) []models.Option {
					return []models.Option{
						{CanonicalValue: "yes", DisplayLabel: "Yes, let's go", Aliases: []string{"y", "yeah", "yep", "sure", "ok", "okay", "start"}, OrdinalPosition: 1},
						{CanonicalValue: "no", DisplayLabel: "Not now", Aliases: []string{"n", "nope", "cancel", "stop", "later"}, OrdinalPosition: 2},
					}
				},
			},
			{
				Stage:         models.StageFacilitySelection,
				Description:   "Which facility level should the analysis cover?",
				SlotName:      SlotFacilityLevel,
				Prerequisites: []string{SlotConfirmation},
				Next:          models.StageAgeGroupSelection,
				BuildOptions: func(ctx context.Context, engine *WorkflowEngine, session *models.Session) []models.Option {
					options := []models.Option{
						{CanonicalValue: "primary", DisplayLabel: "Primary facilities", Aliases: []string{"primary facilities", "health posts", "level 1"}, OrdinalPosition: 1},
						{CanonicalValue: "secondary", DisplayLabel: "Secondary facilities", Aliases: []string{"secondary facilities", "district hospitals", "level 2"}, OrdinalPosition: 2},
						{CanonicalValue: "tertiary", DisplayLabel: "Tertiary facilities", Aliases: []string{"tertiary facilities", "referral hospitals", "level 3"}, OrdinalPosition: 3},
						{CanonicalValue: "all", DisplayLabel: "All facility levels", Aliases: []string{"everything", "all levels"}, OrdinalPosition: 4},
					}
					engine.enrichOptionStats(ctx, session, "facility_level", options)
					return options
				},
			},
			{
				Stage:         models.StageAgeGroupSelection,
				Description:   "Which age group should I break the positivity rate down for?",
				SlotName:      SlotAgeGroup,
				Prerequisites: []string{SlotConfirmation, SlotFacilityLevel},
				Next:          models.StageComplete,
				BuildOptions: func(ctx context.Context, engine *WorkflowEngine, session *models.Session) []models.Option {
					options := []models.Option{
						{CanonicalValue: "u5", DisplayLabel: "Under 5 years", Aliases: []string{"under 5", "under five", "u5s", "children under 5"}, OrdinalPosition: 1},
						{CanonicalValue: "5_14", DisplayLabel: "5 to 14 years", Aliases: []string{"5-14", "school age"}, OrdinalPosition: 2},
						{CanonicalValue: "15_plus", DisplayLabel: "15 years and older", Aliases: []string{"15+", "adults", "over 15"}, OrdinalPosition: 3},
						{CanonicalValue: "all_ages", DisplayLabel: "All age groups", Aliases: []string{"all ages", "everyone"}, OrdinalPosition: 4},
					}
					engine.enrichOptionStats(ctx, session, "age_group", options)
					return options
				},
			},
		},
		TransitionSuggestion: "Rank facilities by positivity rate",
	}
}

// enrichOptionStats annotates options with record counts from the analysis
// engine. Best effort only: prompts still work with stats missing.
func (engine *WorkflowEngine) enrichOptionStats(ctx context.Context, session *models.Session, dimension string, options []models.Option) {
	if engine.analysis == nil || !session.HasDataset() {
		return
	}

	statsCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	stats, err := engine.analysis.ComputeStats(statsCtx, session.DatasetRef, map[string]string{"group_by": dimension})
	if err != nil {
		engine.logger.WithError(err).Warn("option stats unavailable",
			"session_id", session.SessionID, "dimension", dimension)
		return
	}

	for i := range options {
		if count, ok := stats.Counts[options[i].CanonicalValue]; ok {
			options[i].Stat = fmt.Sprintf("%d records", count)
		}
	}
}

// Start creates a new workflow instance on the session and emits the
// introduction prompt. An existing incomplete instance of the same type is
// resumed instead of restarted.
func (engine *WorkflowEngine) Start(ctx context.Context, session *models.Session, workflowType models.WorkflowType) (*StepResult, error) {
	def, ok := engine.definitions[workflowType]
	if !ok {
		return nil, models.NewValidationError("UNKNOWN_WORKFLOW", "unknown workflow type").WithMetadata("workflow_type", workflowType)
	}

	if session.ActiveWorkflow != nil && !session.ActiveWorkflow.IsComplete() && session.ActiveWorkflow.WorkflowType == workflowType {
		return &StepResult{ReplyText: engine.stagePrompt(ctx, def, session)}, nil
	}

	session.ActiveWorkflow = models.NewWorkflowInstance(workflowType, session.DatasetRef)
	session.PendingClarification = nil

	engine.logger.LogWorkflow(string(workflowType), session.SessionID, "workflow_started", 0, nil)
	return &StepResult{ReplyText: engine.stagePrompt(ctx, def, session)}, nil
}

// stagePrompt rebuilds the current stage's prompt and re-presents its
// options on the session.
func (engine *WorkflowEngine) stagePrompt(ctx context.Context, def *WorkflowDefinition, session *models.Session) string {
	stage := def.stage(session.ActiveWorkflow.CurrentStage)
	if stage == nil {
		return ""
	}
	options := stage.BuildOptions(ctx, engine, session)
	session.PresentOptions(options)
	return FormatOptionPrompt(stage.Description, options)
}

// CurrentPrompt re-emits the active stage's prompt without mutating the
// workflow, used after answering a side question.
func (engine *WorkflowEngine) CurrentPrompt(ctx context.Context, session *models.Session) string {
	if session.ActiveWorkflow == nil || session.ActiveWorkflow.IsComplete() {
		return ""
	}
	def, ok := engine.definitions[session.ActiveWorkflow.WorkflowType]
	if !ok {
		return ""
	}
	return engine.stagePrompt(ctx, def, session)
}

// Step advances the active workflow with one user message. The routing
// decision may already carry a fast-path-resolved option.
func (engine *WorkflowEngine) Step(ctx context.Context, session *models.Session, messageText string, decision *models.RoutingDecision) (*StepResult, error) {
	workflow := session.ActiveWorkflow
	if workflow == nil || workflow.IsComplete() {
		return nil, models.NewInternalError("NO_ACTIVE_WORKFLOW", "step called without an active workflow")
	}

	def, ok := engine.definitions[workflow.WorkflowType]
	if !ok {
		return nil, models.NewInternalError("UNKNOWN_WORKFLOW", "active workflow has no definition")
	}

	if target, ok := engine.navigationTarget(def, workflow, messageText); ok {
		return engine.navigateBack(ctx, def, session, target)
	}

	stage := def.stage(workflow.CurrentStage)
	if stage == nil {
		return nil, models.NewInternalError("UNKNOWN_STAGE", "workflow is in an undeclared stage").WithMetadata("stage", workflow.CurrentStage)
	}

	// A failed completion leaves the terminal stage with its slot already
	// filled; a retry request re-runs the action without re-asking anything.
	if stage.Next == models.StageComplete {
		if _, filled := workflow.Slots[stage.SlotName]; filled && isRetryRequest(messageText) {
			return engine.complete(ctx, def, session)
		}
	}

	option := decision.ResolvedOption
	if option == nil {
		// A pending clarification owns the retry budget for this stage.
		if session.PendingClarification != nil {
			resolved, reprompt, err := engine.clarification.Resolve(session, messageText)
			if err != nil {
				return &StepResult{ReplyText: reprompt}, nil
			}
			option = &resolved.Option
		} else {
			options := session.LastPresentedOptions
			if len(options) == 0 {
				options = stage.BuildOptions(ctx, engine, session)
			}
			resolved, err := ResolveChoice(options, messageText)
			if err != nil {
				request := engine.clarification.Ask(session, fmt.Sprintf("workflow:%s", stage.Stage), stage.SlotName, stage.Description, options)
				return &StepResult{ReplyText: request.PromptText}, nil
			}
			option = resolved
		}
	}

	return engine.applyOption(ctx, def, session, stage, option)
}

func (engine *WorkflowEngine) applyOption(ctx context.Context, def *WorkflowDefinition, session *models.Session, stage *StageDefinition, option *models.Option) (*StepResult, error) {
	workflow := session.ActiveWorkflow

	// Declining the introduction cancels the workflow outright.
	if stage.Stage == models.StageIntroduction && option.CanonicalValue == "no" {
		session.ActiveWorkflow = nil
		session.PendingClarification = nil
		session.ClearOptions()
		engine.logger.LogWorkflow(string(def.Type), session.SessionID, "workflow_cancelled", 0, nil)
		return &StepResult{
			ReplyText: "No problem, I've set that aside. Ask me any time you want to run the analysis.",
			Cancelled: true,
		}, nil
	}

	for _, prerequisite := range stage.Prerequisites {
		if _, ok := workflow.Slots[prerequisite]; !ok {
			return nil, models.NewInternalError("PREREQUISITE_MISSING", "stage entered without its prerequisite slots").
				WithMetadata("stage", stage.Stage).WithMetadata("missing_slot", prerequisite)
		}
	}

	workflow.SetSlot(stage.SlotName, option.CanonicalValue)
	session.PendingClarification = nil
	session.ClearOptions()

	if stage.Next == models.StageComplete {
		return engine.complete(ctx, def, session)
	}

	workflow.PushCompleted(stage.Next)
	engine.logger.LogWorkflow(string(def.Type), session.SessionID, fmt.Sprintf("stage_completed_%s", stage.Stage), 0, nil)

	return &StepResult{ReplyText: engine.stagePrompt(ctx, def, session)}, nil
}

// complete runs the terminal action. On collaborator failure the stage is
// not advanced and every slot is preserved, so retry needs no re-entry.
func (engine *WorkflowEngine) complete(ctx context.Context, def *WorkflowDefinition, session *models.Session) (*StepResult, error) {
	startTime := time.Now()
	workflow := session.ActiveWorkflow

	result, err := engine.analysis.RunWorkflowCompletion(ctx, def.Type, workflow.Slots, workflow.DatasetRef)
	if err != nil {
		engine.logger.LogWorkflow(string(def.Type), session.SessionID, "completion_failed", time.Since(startTime), err)
		return &StepResult{
			ReplyText: "I couldn't finish the analysis because the computation step failed. Your answers are saved. Say \"retry\" to run it again.",
		}, models.WrapExternalError("ANALYSIS_ENGINE", err)
	}

	workflow.PushCompleted(models.StageComplete)
	workflow.MarkComplete()

	reply := result.Summary
	if reply == "" {
		reply = fmt.Sprintf("%s finished.", def.DisplayName)
	}

	var visualizations []models.Visualization
	if engine.visualization != nil {
		if viz, vizErr := engine.visualization.Render(ctx, result.ResultRef, "bar_chart"); vizErr != nil {
			// Visualization failure never fails the analysis result.
			engine.logger.WithError(vizErr).Warn("visualization render failed",
				"session_id", session.SessionID, "result_ref", result.ResultRef)
		} else {
			visualizations = append(visualizations, *viz)
		}
	}

	// Archive the finished workflow as a transcript summary; the instance
	// itself is no longer active state.
	session.AppendMessage(models.RoleSystem, fmt.Sprintf("%s completed (%s).", def.DisplayName, formatSlots(workflow.Slots)))
	session.ClearOptions()

	engine.logger.LogWorkflow(string(def.Type), session.SessionID, "workflow_completed", time.Since(startTime), nil)

	return &StepResult{
		ReplyText:      reply,
		Visualizations: visualizations,
		Completed:      true,
	}, nil
}

// navigationTarget parses "go back" / "change X" style requests into the
// prior stage to re-enter.
func (engine *WorkflowEngine) navigationTarget(def *WorkflowDefinition, workflow *models.WorkflowInstance, messageText string) (models.WorkflowStage, bool) {
	lower := strings.ToLower(messageText)

	if strings.Contains(lower, "go back") || strings.Contains(lower, "previous step") {
		if len(workflow.StageHistory) == 0 {
			return "", false
		}
		return workflow.StageHistory[len(workflow.StageHistory)-1].Stage, true
	}

	if strings.Contains(lower, "change") || strings.Contains(lower, "actually i want") {
		for _, stage := range def.Stages {
			if stage.SlotName == "" {
				continue
			}
			slotWords := strings.ReplaceAll(stage.SlotName, "_", " ")
			if strings.Contains(lower, slotWords) || strings.Contains(lower, strings.Fields(slotWords)[0]) {
				for _, completed := range workflow.StageHistory {
					if completed.Stage == stage.Stage {
						return stage.Stage, true
					}
				}
			}
		}
	}

	return "", false
}

// navigateBack pops history to the target stage, restoring the slot snapshot
// that existed when the stage was first completed, and re-prompts.
func (engine *WorkflowEngine) navigateBack(ctx context.Context, def *WorkflowDefinition, session *models.Session, target models.WorkflowStage) (*StepResult, error) {
	workflow := session.ActiveWorkflow
	if !workflow.PopTo(target) {
		return &StepResult{ReplyText: engine.stagePrompt(ctx, def, session)}, nil
	}

	session.PendingClarification = nil
	engine.logger.LogWorkflow(string(def.Type), session.SessionID, fmt.Sprintf("navigated_back_to_%s", target), 0, nil)

	return &StepResult{ReplyText: engine.stagePrompt(ctx, def, session)}, nil
}

// Suggestions are proactive next-action strings for the current state.
func (engine *WorkflowEngine) Suggestions(session *models.Session) []string {
	workflow := session.ActiveWorkflow

	if workflow == nil {
		if session.HasDataset() {
			return []string{"Calculate test positivity rate", "Show a summary of my data"}
		}
		return []string{}
	}

	if workflow.IsComplete() {
		def, ok := engine.definitions[workflow.WorkflowType]
		if ok && def.TransitionSuggestion != "" {
			return []string{def.TransitionSuggestion, "Show charts"}
		}
		return []string{"Show charts"}
	}

	suggestions := []string{"Continue analysis"}
	if len(workflow.StageHistory) > 0 {
		suggestions = append(suggestions, "Go back")
	}
	return suggestions
}

func isRetryRequest(messageText string) bool {
	lower := strings.ToLower(strings.TrimSpace(messageText))
	return lower == "retry" || lower == "try again" || strings.Contains(lower, "run it again")
}

func formatSlots(slots map[string]string) string {
	parts := make([]string, 0, len(slots))
	for _, key := range []string{SlotFacilityLevel, SlotAgeGroup} {
		if value, ok := slots[key]; ok {
			parts = append(parts, fmt.Sprintf("%s=%s", key, value))
		}
	}
	return strings.Join(parts, ", ")
}
