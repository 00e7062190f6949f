package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/BernardOforiBoateng/chat-mrpt-sub016/internal/config"
	"github.com/BernardOforiBoateng/chat-mrpt-sub016/internal/models"
	"github.com/BernardOforiBoateng/chat-mrpt-sub016/internal/pkg/logger"
)

// Routing tier names recorded on decisions, for logs and tests.
const (
	RuleFastPathSlot     = "fast_path_slot"
	RuleFastPathPhrase   = "fast_path_phrase"
	RuleHeuristicTool    = "heuristic_tool"
	RuleHeuristicChat    = "heuristic_chat"
	RuleModelClassifier  = "model_classifier"
	RuleClassifierOutage = "classifier_outage_fallback"
)

// IntentRouter decides, per message, between answering conversationally,
// executing a tool/workflow, or asking for clarification. Tiers run in
// order; each only if the previous produced no decision.
type IntentRouter struct {
	classifier IntentClassifier
	breaker    *gobreaker.CircuitBreaker
	config     config.RouterConfig
	logger     *logger.Logger
}

func NewIntentRouter(classifier IntentClassifier, cfg config.RouterConfig, log *logger.Logger) *IntentRouter {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "intent-classifier",
		MaxRequests: 2,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("classifier circuit breaker state changed",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return &IntentRouter{
		classifier: classifier,
		breaker:    breaker,
		config:     cfg,
		logger:     log,
	}
}

// Route classifies one inbound message against the session's current state.
func (router *IntentRouter) Route(ctx context.Context, session *models.Session, messageText string) *models.RoutingDecision {
	if decision := router.fastPath(session, messageText); decision != nil {
		router.logDecision(session, decision)
		return decision
	}

	if decision := router.heuristics(session, messageText); decision != nil {
		router.logDecision(session, decision)
		return decision
	}

	decision := router.modelTier(ctx, session, messageText)
	router.logDecision(session, decision)
	return decision
}

func (router *IntentRouter) logDecision(session *models.Session, decision *models.RoutingDecision) {
	router.logger.Debug("message routed",
		"session_id", session.SessionID,
		"category", string(decision.Category),
		"confidence", decision.Confidence,
		"matched_rule", decision.MatchedRule)
}

var greetingPhrases = map[string]bool{
	"hi": true, "hello": true, "hey": true, "good morning": true,
	"good afternoon": true, "good evening": true, "thanks": true,
	"thank you": true, "ok": true, "okay": true, "cool": true,
	"great": true, "bye": true, "goodbye": true, "how are you": true,
	"nice": true, "got it": true, "sure": true,
}

// workflowTriggers are direct-command phrases that name a workflow outright.
var workflowTriggers = map[string]models.WorkflowType{
	"tpr":                     models.WorkflowTypeTPR,
	"test positivity":         models.WorkflowTypeTPR,
	"test positivity rate":    models.WorkflowTypeTPR,
	"positivity rate":         models.WorkflowTypeTPR,
	"run tpr":                 models.WorkflowTypeTPR,
	"calculate tpr":           models.WorkflowTypeTPR,
	"tpr analysis":            models.WorkflowTypeTPR,
	"start tpr analysis":      models.WorkflowTypeTPR,
	"run tpr analysis":        models.WorkflowTypeTPR,
	"compute test positivity": models.WorkflowTypeTPR,
}

// fastPath handles the cheap unambiguous cases: a message that answers the
// option set the session is waiting on, or an exact greeting/command phrase.
func (router *IntentRouter) fastPath(session *models.Session, messageText string) *models.RoutingDecision {
	// A session awaiting a slot interprets the next message against the
	// presented options before any classification.
	if options, awaiting := session.AwaitingSlot(); awaiting {
		if option, err := ResolveChoice(options, messageText); err == nil {
			return &models.RoutingDecision{
				Category:       models.CategoryToolExecution,
				Confidence:     1.0,
				MatchedRule:    RuleFastPathSlot,
				ResolvedOption: option,
			}
		}
		// Unresolved input while awaiting a slot falls through: it may be
		// a side question or a navigation command.
	}

	normalized := strings.ToLower(strings.TrimSpace(strings.Trim(messageText, "!?. ")))

	if greetingPhrases[normalized] {
		return &models.RoutingDecision{
			Category:    models.CategoryConversational,
			Confidence:  1.0,
			MatchedRule: RuleFastPathPhrase,
		}
	}

	if workflowType, ok := workflowTriggers[normalized]; ok {
		return &models.RoutingDecision{
			Category:           models.CategoryToolExecution,
			Confidence:         1.0,
			MatchedRule:        RuleFastPathPhrase,
			TargetWorkflowType: workflowType,
		}
	}

	return nil
}

var analysisVerbs = []string{
	"analyze", "analyse", "calculate", "compute", "compare", "rank",
	"aggregate", "summarize my data", "positivity", "prevalence", "incidence",
}

var visualizationVerbs = []string{
	"plot", "chart", "graph", "map", "visualize", "visualise", "show me a",
}

var navigationPhrases = []string{
	"go back", "change", "actually i want", "start over", "previous step",
}

// heuristics applies keyword rules conditioned on session context. It only
// decides when the pattern is unambiguous; otherwise the model tier runs.
func (router *IntentRouter) heuristics(session *models.Session, messageText string) *models.RoutingDecision {
	lower := strings.ToLower(messageText)

	if session.ActiveWorkflow != nil && !session.ActiveWorkflow.IsComplete() {
		for _, phrase := range navigationPhrases {
			if strings.Contains(lower, phrase) {
				return &models.RoutingDecision{
					Category:           models.CategoryToolExecution,
					Confidence:         0.9,
					MatchedRule:        RuleHeuristicTool,
					TargetWorkflowType: session.ActiveWorkflow.WorkflowType,
				}
			}
		}
	}

	referencesData := containsAny(lower, analysisVerbs) || containsAny(lower, visualizationVerbs)
	if referencesData && session.HasDataset() {
		if workflowType := matchWorkflowKeywords(lower); workflowType != "" {
			return &models.RoutingDecision{
				Category:           models.CategoryToolExecution,
				Confidence:         0.85,
				MatchedRule:        RuleHeuristicTool,
				TargetWorkflowType: workflowType,
			}
		}
	}

	// Questions with no data reference are plain conversation regardless of
	// workflow state ("what does u5 mean?").
	if !referencesData && (strings.HasSuffix(strings.TrimSpace(lower), "?") ||
		strings.HasPrefix(lower, "what") || strings.HasPrefix(lower, "why") ||
		strings.HasPrefix(lower, "how") || strings.HasPrefix(lower, "who")) {
		return &models.RoutingDecision{
			Category:    models.CategoryConversational,
			Confidence:  0.8,
			MatchedRule: RuleHeuristicChat,
		}
	}

	return nil
}

func matchWorkflowKeywords(lower string) models.WorkflowType {
	if strings.Contains(lower, "tpr") || strings.Contains(lower, "positivity") {
		return models.WorkflowTypeTPR
	}
	return ""
}

// modelTier consults the external classifier through the circuit breaker.
// Uncertainty defaults to conversational: clarification is reserved for
// data-touching requests where a wrong guess would cost the user real time.
func (router *IntentRouter) modelTier(ctx context.Context, session *models.Session, messageText string) *models.RoutingDecision {
	result, err := router.breaker.Execute(func() (interface{}, error) {
		return router.classifier.Classify(ctx, messageText, summarizeSession(session))
	})
	if err != nil {
		// Classifier outage never fails the request. Re-run the heuristics
		// as best effort, then default to conversational.
		router.logger.WithError(err).Warn("classifier unavailable, using heuristic fallback",
			"session_id", session.SessionID)
		if decision := router.heuristics(session, messageText); decision != nil {
			decision.MatchedRule = RuleClassifierOutage
			return decision
		}
		return &models.RoutingDecision{
			Category:    models.CategoryConversational,
			Confidence:  0.5,
			MatchedRule: RuleClassifierOutage,
		}
	}

	classification := result.(*ClassificationResult)
	decision := &models.RoutingDecision{
		Category:    classification.Category,
		Confidence:  classification.Confidence,
		MatchedRule: RuleModelClassifier,
	}

	if classification.Confidence < router.config.ConfidenceThreshold {
		// Low confidence only yields AMBIGUOUS for data-touching requests;
		// plain chat never triggers clarification.
		if session.HasDataset() && classification.Category == models.CategoryToolExecution {
			decision.Category = models.CategoryAmbiguous
		} else {
			decision.Category = models.CategoryConversational
		}
	}

	if decision.Category == models.CategoryToolExecution && decision.TargetWorkflowType == "" {
		if workflowType := matchWorkflowKeywords(strings.ToLower(messageText)); workflowType != "" {
			decision.TargetWorkflowType = workflowType
		} else if session.ActiveWorkflow != nil && !session.ActiveWorkflow.IsComplete() {
			decision.TargetWorkflowType = session.ActiveWorkflow.WorkflowType
		} else {
			// A tool verdict with no identifiable target is not actionable.
			decision.Category = models.CategoryConversational
		}
	}

	return decision
}

func summarizeSession(session *models.Session) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "has_uploaded_data=%t", session.HasDataset())
	if session.ActiveWorkflow != nil {
		fmt.Fprintf(&sb, ", active_workflow=%s, stage=%s",
			session.ActiveWorkflow.WorkflowType, session.ActiveWorkflow.CurrentStage)
	}
	if session.PendingClarification != nil {
		fmt.Fprintf(&sb, ", pending_clarification_slot=%s", session.PendingClarification.ExpectedSlot)
	}
	fmt.Fprintf(&sb, ", history_length=%d", len(session.ChatHistory))
	return sb.String()
}

func containsAny(text string, list []string) bool {
	for _, item := range list {
		if strings.Contains(text, item) {
			return true
		}
	}
	return false
}
