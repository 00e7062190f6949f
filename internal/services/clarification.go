package services

import (
	"fmt"
	"strings"
	"time"

	"github.com/BernardOforiBoateng/chat-mrpt-sub016/internal/config"
	"github.com/BernardOforiBoateng/chat-mrpt-sub016/internal/models"
	"github.com/BernardOforiBoateng/chat-mrpt-sub016/internal/pkg/logger"
)

// ClarificationManager builds enumerated clarification prompts and resolves
// the next user turn against them.
type ClarificationManager struct {
	maxRetries int
	logger     *logger.Logger
}

func NewClarificationManager(cfg config.RouterConfig, log *logger.Logger) *ClarificationManager {
	return &ClarificationManager{
		maxRetries: cfg.ClarificationRetries,
		logger:     log,
	}
}

// Ask persists a new clarification onto the session, superseding any
// previous one, and returns the prompt text to send to the user.
func (manager *ClarificationManager) Ask(session *models.Session, origin, expectedSlot, description string, options []models.Option) *models.ClarificationRequest {
	request := &models.ClarificationRequest{
		PromptText:   FormatOptionPrompt(description, options),
		ExpectedSlot: expectedSlot,
		Options:      options,
		Origin:       origin,
		CreatedAt:    time.Now(),
	}

	session.PendingClarification = request
	session.PresentOptions(options)

	manager.logger.Debug("clarification issued",
		"session_id", session.SessionID,
		"expected_slot", expectedSlot,
		"origin", origin,
		"option_count", len(options))
	return request
}

// ResolvedSlot is a successful clarification outcome.
type ResolvedSlot struct {
	Slot   string
	Option models.Option
}

// Resolve matches the user's text against the pending clarification. On
// success the clarification is consumed and cleared. On failure the caller
// gets a re-prompt: the same prompt while the retry budget lasts, then the
// raw option list with an explicit preamble. The system never guesses.
func (manager *ClarificationManager) Resolve(session *models.Session, userText string) (*ResolvedSlot, string, error) {
	pending := session.PendingClarification
	if pending == nil {
		return nil, "", models.NewInternalError("NO_PENDING_CLARIFICATION", "resolve called without a pending clarification")
	}

	option, err := ResolveChoice(pending.Options, userText)
	if err == nil {
		resolved := &ResolvedSlot{Slot: pending.ExpectedSlot, Option: *option}
		session.PendingClarification = nil
		session.ClearOptions()

		manager.logger.Debug("clarification resolved",
			"session_id", session.SessionID,
			"slot", resolved.Slot,
			"value", option.CanonicalValue)
		return resolved, "", nil
	}

	pending.RetryCount++
	manager.logger.Debug("clarification unresolved",
		"session_id", session.SessionID,
		"slot", pending.ExpectedSlot,
		"retry_count", pending.RetryCount)

	if pending.RetryCount >= manager.maxRetries {
		pending.RetryCount = 0
		reprompt := fmt.Sprintf("I didn't understand that. Please pick one of:\n%s", formatRawOptionList(pending.Options))
		return nil, reprompt, models.ErrUnresolved
	}

	return nil, pending.PromptText, models.ErrUnresolved
}

// FormatOptionPrompt renders a stage description plus its enumerated
// options, including per-option stats when the analysis engine supplied any.
func FormatOptionPrompt(description string, options []models.Option) string {
	var sb strings.Builder
	sb.WriteString(description)
	sb.WriteString("\n")
	for _, opt := range options {
		if opt.Stat != "" {
			fmt.Fprintf(&sb, "%d. %s (%s)\n", opt.OrdinalPosition, opt.DisplayLabel, opt.Stat)
		} else {
			fmt.Fprintf(&sb, "%d. %s\n", opt.OrdinalPosition, opt.DisplayLabel)
		}
	}
	sb.WriteString("You can reply with the number or the name.")
	return sb.String()
}

func formatRawOptionList(options []models.Option) string {
	parts := make([]string, len(options))
	for i, opt := range options {
		parts[i] = fmt.Sprintf("%d. %s", opt.OrdinalPosition, opt.DisplayLabel)
	}
	return strings.Join(parts, "\n")
}
