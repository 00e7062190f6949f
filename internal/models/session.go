package models

import (
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is stored inside every persisted session document. Bump it
// only for non-additive changes; additive fields keep the same version so
// in-flight sessions survive deployments.
const SchemaVersion = 1

// MaxChatHistory caps the stored conversation transcript; oldest entries are
// evicted first.
const MaxChatHistory = 50

type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

type ChatMessage struct {
	Role      MessageRole `json:"role"`
	Text      string      `json:"text"`
	Timestamp time.Time   `json:"timestamp"`
}

// Option is one selectable choice in a presented set. Immutable once
// presented; a new prompt supersedes the whole set.
type Option struct {
	CanonicalValue  string   `json:"canonical_value"`
	DisplayLabel    string   `json:"display_label"`
	Aliases         []string `json:"aliases,omitempty"`
	OrdinalPosition int      `json:"ordinal_position"`

	// Stat is an optional per-option figure supplied by the analysis
	// engine, e.g. a record count, shown alongside the label.
	Stat string `json:"stat,omitempty"`
}

type ClarificationRequest struct {
	PromptText   string    `json:"prompt_text"`
	ExpectedSlot string    `json:"expected_slot"`
	Options      []Option  `json:"options"`
	Origin       string    `json:"origin"`
	CreatedAt    time.Time `json:"created_at"`
	RetryCount   int       `json:"retry_count"`
}

type WorkflowType string

const (
	WorkflowTypeTPR WorkflowType = "tpr_analysis"
)

type WorkflowStage string

const (
	StageIntroduction      WorkflowStage = "introduction"
	StageFacilitySelection WorkflowStage = "facility_selection"
	StageAgeGroupSelection WorkflowStage = "age_group_selection"
	StageComplete          WorkflowStage = "complete"
)

// CompletedStage is one entry of a workflow's stage history. Slots holds the
// snapshot of the slot map at the moment the stage was completed, which is
// what "go back" restores.
type CompletedStage struct {
	Stage       WorkflowStage     `json:"stage"`
	Slots       map[string]string `json:"slots"`
	CompletedAt time.Time         `json:"completed_at"`
}

type WorkflowInstance struct {
	WorkflowType WorkflowType      `json:"workflow_type"`
	CurrentStage WorkflowStage     `json:"current_stage"`
	Slots        map[string]string `json:"slots"`
	StageHistory []CompletedStage  `json:"stage_history"`
	DatasetRef   string            `json:"dataset_ref,omitempty"`
	StartedAt    time.Time         `json:"started_at"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
}

func NewWorkflowInstance(workflowType WorkflowType, datasetRef string) *WorkflowInstance {
	return &WorkflowInstance{
		WorkflowType: workflowType,
		CurrentStage: StageIntroduction,
		Slots:        make(map[string]string),
		StageHistory: []CompletedStage{},
		DatasetRef:   datasetRef,
		StartedAt:    time.Now(),
	}
}

func (w *WorkflowInstance) SetSlot(name, value string) {
	if w.Slots == nil {
		w.Slots = make(map[string]string)
	}
	w.Slots[name] = value
}

// PushCompleted records the current stage and a snapshot of the slots as
// they stand, then moves to next.
func (w *WorkflowInstance) PushCompleted(next WorkflowStage) {
	snapshot := make(map[string]string, len(w.Slots))
	for k, v := range w.Slots {
		snapshot[k] = v
	}
	w.StageHistory = append(w.StageHistory, CompletedStage{
		Stage:       w.CurrentStage,
		Slots:       snapshot,
		CompletedAt: time.Now(),
	})
	w.CurrentStage = next
}

// PopTo rewinds to the most recent history entry for stage, restoring the
// slot snapshot taken when that stage was completed. Returns false if the
// stage was never completed.
func (w *WorkflowInstance) PopTo(stage WorkflowStage) bool {
	for i := len(w.StageHistory) - 1; i >= 0; i-- {
		if w.StageHistory[i].Stage != stage {
			continue
		}
		entry := w.StageHistory[i]
		w.StageHistory = w.StageHistory[:i]
		w.CurrentStage = entry.Stage
		w.Slots = make(map[string]string, len(entry.Slots))
		for k, v := range entry.Slots {
			w.Slots[k] = v
		}
		return true
	}
	return false
}

func (w *WorkflowInstance) MarkComplete() {
	now := time.Now()
	w.CurrentStage = StageComplete
	w.CompletedAt = &now
}

func (w *WorkflowInstance) IsComplete() bool {
	return w.CurrentStage == StageComplete
}

// Session is the full per-user conversation state. It is the unit of
// persistence: always loaded, mutated and saved whole.
type Session struct {
	SchemaVersion int       `json:"schema_version"`
	SessionID     string    `json:"session_id"`
	CreatedAt     time.Time `json:"created_at"`
	LastUpdated   time.Time `json:"last_updated"`

	// Version is the optimistic-concurrency counter. Zero means the
	// session has never been saved.
	Version int64 `json:"version"`

	ChatHistory          []ChatMessage         `json:"chat_history"`
	ActiveWorkflow       *WorkflowInstance     `json:"active_workflow,omitempty"`
	PendingClarification *ClarificationRequest `json:"pending_clarification,omitempty"`
	LastPresentedOptions []Option              `json:"last_presented_options,omitempty"`

	// DatasetRef points at the user's uploaded data, set by the upload
	// layer outside this subsystem.
	DatasetRef string `json:"dataset_ref,omitempty"`

	// RecoveredFromCorrupt is set when the stored document could not be
	// deserialized and the session was restarted. Not persisted.
	RecoveredFromCorrupt bool `json:"-"`
}

func NewSession(sessionID string) *Session {
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	now := time.Now()
	return &Session{
		SchemaVersion: SchemaVersion,
		SessionID:     sessionID,
		CreatedAt:     now,
		LastUpdated:   now,
		ChatHistory:   []ChatMessage{},
	}
}

func (s *Session) AppendMessage(role MessageRole, text string) {
	s.ChatHistory = append(s.ChatHistory, ChatMessage{
		Role:      role,
		Text:      text,
		Timestamp: time.Now(),
	})
	if len(s.ChatHistory) > MaxChatHistory {
		s.ChatHistory = s.ChatHistory[len(s.ChatHistory)-MaxChatHistory:]
	}
	s.LastUpdated = time.Now()
}

// PresentOptions replaces the currently presented option set.
func (s *Session) PresentOptions(options []Option) {
	s.LastPresentedOptions = options
}

func (s *Session) ClearOptions() {
	s.LastPresentedOptions = nil
}

func (s *Session) HasDataset() bool {
	return s.DatasetRef != ""
}

// AwaitingSlot reports whether the next user message should be interpreted
// against a specific option set, and returns that set. A pending
// clarification takes precedence over a workflow stage's own options.
func (s *Session) AwaitingSlot() ([]Option, bool) {
	if s.PendingClarification != nil {
		return s.PendingClarification.Options, true
	}
	if s.ActiveWorkflow != nil && !s.ActiveWorkflow.IsComplete() && len(s.LastPresentedOptions) > 0 {
		return s.LastPresentedOptions, true
	}
	return nil, false
}

type RoutingCategory string

const (
	CategoryConversational RoutingCategory = "conversational"
	CategoryToolExecution  RoutingCategory = "tool_execution"
	CategoryAmbiguous      RoutingCategory = "ambiguous"
)

// RoutingDecision is ephemeral: computed per message, never persisted.
type RoutingDecision struct {
	Category           RoutingCategory
	Confidence         float64
	MatchedRule        string
	TargetWorkflowType WorkflowType
	TargetTool         string

	// ResolvedOption is set when the fast path already matched the
	// message against the awaited option set.
	ResolvedOption *Option
}

type Visualization struct {
	VizType string `json:"viz_type"`
	URL     string `json:"url"`
}

// MessageResponse is the inbound boundary's return value.
type MessageResponse struct {
	SessionID            string                `json:"session_id"`
	ReplyText            string                `json:"reply_text"`
	Suggestions          []string              `json:"suggestions"`
	PendingClarification *ClarificationRequest `json:"pending_clarification,omitempty"`
	Visualizations       []Visualization       `json:"visualizations,omitempty"`
}

func GenerateRequestID() string {
	return uuid.New().String()
}
