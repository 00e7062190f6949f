package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/BernardOforiBoateng/chat-mrpt-sub016/internal/models"
	"github.com/BernardOforiBoateng/chat-mrpt-sub016/internal/pkg/logger"
)

const originRouter = "intent_router"

// transientFailureReply is what the user sees when a turn cannot be saved
// even after the conflict retry. No internal detail ever reaches the user.
const transientFailureReply = "Sorry, something went wrong on my side. Please send that again."

// Orchestrator handles one inbound message end to end: load state, route,
// act, persist. Instances hold only injected dependencies, never session
// data, so any worker can serve any request.
type Orchestrator struct {
	store         *SessionStore
	router        *IntentRouter
	engine        *WorkflowEngine
	clarification *ClarificationManager
	responder     ConversationalResponder
	classifier    IntentClassifier
	analysis      AnalysisEngine

	logger      *logger.Logger
	startTime   time.Time
	activeTurns sync.WaitGroup
	turnCount   int64
	countMu     sync.Mutex
}

func NewOrchestrator(
	store *SessionStore,
	router *IntentRouter,
	engine *WorkflowEngine,
	clarification *ClarificationManager,
	responder ConversationalResponder,
	classifier IntentClassifier,
	analysis AnalysisEngine,
	log *logger.Logger) *Orchestrator {

	orchestrator := &Orchestrator{
		store:         store,
		router:        router,
		engine:        engine,
		clarification: clarification,
		responder:     responder,
		classifier:    classifier,
		analysis:      analysis,
		logger:        log,
		startTime:     time.Now(),
	}

	log.Info("orchestrator initialized", "workflow_types", []string{string(models.WorkflowTypeTPR)})
	return orchestrator
}

type turnOutcome struct {
	replyText      string
	visualizations []models.Visualization
}

// HandleMessage is the inbound boundary. Every call does a fresh
// load -> mutate -> CAS-save cycle; a version conflict is retried exactly
// once by re-deriving the turn from the message against reloaded state.
func (o *Orchestrator) HandleMessage(ctx context.Context, sessionID, userText string) (*models.MessageResponse, error) {
	startTime := time.Now()
	o.activeTurns.Add(1)
	defer o.activeTurns.Done()
	o.countTurn()

	session, err := o.store.Load(ctx, sessionID)
	if err != nil {
		o.logger.LogTurn(sessionID, "load_failed", time.Since(startTime), err)
		return o.transientFailure(sessionID), nil
	}

	outcome := o.processTurn(ctx, session, userText)

	if err := o.store.Save(ctx, session, session.Version); err != nil {
		if !models.IsVersionConflict(err) {
			o.logger.LogTurn(sessionID, "save_failed", time.Since(startTime), err)
			return o.transientFailure(sessionID), nil
		}

		// Another request won the race; replay against fresh state.
		session, err = o.store.Load(ctx, sessionID)
		if err != nil {
			return o.transientFailure(sessionID), nil
		}
		outcome = o.processTurn(ctx, session, userText)
		if err := o.store.Save(ctx, session, session.Version); err != nil {
			o.logger.LogTurn(sessionID, "save_conflict_twice", time.Since(startTime), err)
			return o.transientFailure(sessionID), nil
		}
	}

	o.logger.LogTurn(session.SessionID, "turn_completed", time.Since(startTime), nil)

	return &models.MessageResponse{
		SessionID:            session.SessionID,
		ReplyText:            outcome.replyText,
		Suggestions:          o.engine.Suggestions(session),
		PendingClarification: session.PendingClarification,
		Visualizations:       outcome.visualizations,
	}, nil
}

func (o *Orchestrator) transientFailure(sessionID string) *models.MessageResponse {
	return &models.MessageResponse{
		SessionID:   sessionID,
		ReplyText:   transientFailureReply,
		Suggestions: []string{},
	}
}

func (o *Orchestrator) processTurn(ctx context.Context, session *models.Session, userText string) *turnOutcome {
	var notice string
	if session.RecoveredFromCorrupt {
		notice = "I had to restart our session because its saved state was unreadable, so any analysis in progress starts over. "
		session.RecoveredFromCorrupt = false
	}

	session.AppendMessage(models.RoleUser, userText)

	decision := o.router.Route(ctx, session, userText)

	var outcome *turnOutcome
	switch decision.Category {
	case models.CategoryAmbiguous:
		outcome = o.askIntentClarification(session)
	case models.CategoryToolExecution:
		outcome = o.executeTool(ctx, session, userText, decision)
	default:
		outcome = o.converse(ctx, session, userText)
	}

	outcome.replyText = notice + outcome.replyText
	session.AppendMessage(models.RoleAssistant, outcome.replyText)
	return outcome
}

// converse answers conversationally. While a workflow is active this is a
// side question: the answer is followed by the current stage prompt, and
// neither stage nor slots change.
func (o *Orchestrator) converse(ctx context.Context, session *models.Session, userText string) *turnOutcome {
	reply, err := o.responder.GenerateReply(ctx, userText, session.ChatHistory)
	if err != nil {
		o.logger.WithError(err).Warn("conversational reply generation failed", "session_id", session.SessionID)
		reply = "I'm having trouble answering that right now, but I'm still here."
	}

	if prompt := o.engine.CurrentPrompt(ctx, session); prompt != "" {
		reply = fmt.Sprintf("%s\n\n%s", reply, prompt)
	}
	return &turnOutcome{replyText: reply}
}

// askIntentClarification is only reached for genuinely ambiguous,
// data-touching requests; plain chat never lands here.
func (o *Orchestrator) askIntentClarification(session *models.Session) *turnOutcome {
	options := []models.Option{
		{
			CanonicalValue:  string(models.WorkflowTypeTPR),
			DisplayLabel:    "Run the test positivity rate analysis",
			Aliases:         []string{"tpr", "run tpr", "analysis", "run the analysis"},
			OrdinalPosition: 1,
		},
		{
			CanonicalValue:  "chat",
			DisplayLabel:    "Just answer my question",
			Aliases:         []string{"answer", "question", "just chat", "neither"},
			OrdinalPosition: 2,
		},
	}

	request := o.clarification.Ask(session, originRouter, "intent",
		"I want to make sure I do the right thing with your data. Did you want to:", options)
	return &turnOutcome{replyText: request.PromptText}
}

func (o *Orchestrator) executeTool(ctx context.Context, session *models.Session, userText string, decision *models.RoutingDecision) *turnOutcome {
	// A clarification issued by the router itself resolves here rather
	// than in the workflow engine.
	if pending := session.PendingClarification; pending != nil && pending.Origin == originRouter {
		option := decision.ResolvedOption
		if option == nil {
			resolved, reprompt, err := o.clarification.Resolve(session, userText)
			if err != nil {
				return &turnOutcome{replyText: reprompt}
			}
			option = &resolved.Option
		} else {
			session.PendingClarification = nil
			session.ClearOptions()
		}

		if option.CanonicalValue == "chat" {
			return o.converse(ctx, session, userText)
		}
		return o.startWorkflow(ctx, session, models.WorkflowType(option.CanonicalValue))
	}

	if session.ActiveWorkflow == nil || session.ActiveWorkflow.IsComplete() {
		if decision.TargetWorkflowType == "" {
			return o.converse(ctx, session, userText)
		}
		return o.startWorkflow(ctx, session, decision.TargetWorkflowType)
	}

	result, err := o.engine.Step(ctx, session, userText, decision)
	if err != nil {
		if result != nil && result.ReplyText != "" {
			// Collaborator failure: the engine already phrased the
			// user-facing message and preserved the stage for retry.
			return &turnOutcome{replyText: result.ReplyText}
		}
		o.logger.WithError(err).Error("workflow step failed", "session_id", session.SessionID)
		return &turnOutcome{replyText: transientFailureReply}
	}

	return &turnOutcome{replyText: result.ReplyText, visualizations: result.Visualizations}
}

func (o *Orchestrator) startWorkflow(ctx context.Context, session *models.Session, workflowType models.WorkflowType) *turnOutcome {
	if !session.HasDataset() {
		return &turnOutcome{replyText: "You'll need to upload a dataset before I can run that analysis. Once it's uploaded, just ask again."}
	}

	result, err := o.engine.Start(ctx, session, workflowType)
	if err != nil {
		o.logger.WithError(err).Error("workflow start failed",
			"session_id", session.SessionID, "workflow_type", string(workflowType))
		return &turnOutcome{replyText: transientFailureReply}
	}
	return &turnOutcome{replyText: result.ReplyText}
}

// GetSession exposes stored state for the inspection API.
func (o *Orchestrator) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	return o.store.Load(ctx, sessionID)
}

// ResetSession discards a session entirely.
func (o *Orchestrator) ResetSession(ctx context.Context, sessionID string) error {
	return o.store.Delete(ctx, sessionID)
}

func (o *Orchestrator) countTurn() {
	o.countMu.Lock()
	o.turnCount++
	o.countMu.Unlock()
}

func (o *Orchestrator) HealthCheck(ctx context.Context) error {
	checks := map[string]func() error{
		"session_store":   func() error { return o.store.HealthCheck(ctx) },
		"classifier":      func() error { return o.classifier.HealthCheck(ctx) },
		"analysis_engine": func() error { return o.analysis.HealthCheck(ctx) },
	}

	for name, check := range checks {
		if err := check(); err != nil {
			return fmt.Errorf("service %s health check failed: %w", name, err)
		}
	}
	return nil
}

func (o *Orchestrator) GetStats() map[string]interface{} {
	o.countMu.Lock()
	turns := o.turnCount
	o.countMu.Unlock()

	return map[string]interface{}{
		"service":             "conversational_orchestrator",
		"uptime_seconds":      time.Since(o.startTime).Seconds(),
		"turns_handled":       turns,
		"supported_workflows": []string{string(models.WorkflowTypeTPR)},
	}
}

// Close waits briefly for in-flight turns, then shuts the store down.
func (o *Orchestrator) Close() error {
	o.logger.Info("orchestrator shutting down")

	done := make(chan struct{})
	go func() {
		o.activeTurns.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		o.logger.Warn("timeout waiting for in-flight turns to finish")
	}

	return o.store.Close()
}
