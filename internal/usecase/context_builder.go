package usecase

import (
	"time"

	"dbagent/internal/domain"
)

// ContextBuilder constructs the prompt message array for LLM calls.
type ContextBuilder struct {
	maxMessages    int
	model          string
	maxTokens      int
	temperature    float64
	thinkingBudget int
}

// NewContextBuilder creates a new context builder. maxMessages <= 0 keeps
// the full history.
func NewContextBuilder(model string, maxMessages int) *ContextBuilder {
	return &ContextBuilder{
		model:       model,
		maxMessages: maxMessages,
	}
}

// SetSampling overrides the provider's max tokens and temperature. Zero
// values leave the provider defaults in place.
func (cb *ContextBuilder) SetSampling(maxTokens int, temperature float64) {
	cb.maxTokens = maxTokens
	cb.temperature = temperature
}

// SetThinkingBudget sets the extended thinking budget (in tokens) for LLM requests.
// A value of 0 disables extended thinking.
func (cb *ContextBuilder) SetThinkingBudget(budget int) {
	cb.thinkingBudget = budget
}

// Build assembles: directive + truncated history + tool schemas.
func (cb *ContextBuilder) Build(directive string, history []domain.Message, tools []domain.ToolSchema) domain.ChatRequest {
	hist := cb.truncateHistory(history)

	messages := make([]domain.Message, 0, 1+len(hist))
	if directive != "" {
		messages = append(messages, domain.Message{
			Role:      domain.RoleSystem,
			Content:   directive,
			Timestamp: time.Now(),
		})
	}
	messages = append(messages, hist...)

	return domain.ChatRequest{
		Model:          cb.model,
		Messages:       messages,
		Tools:          tools,
		MaxTokens:      cb.maxTokens,
		Temperature:    cb.temperature,
		ThinkingBudget: cb.thinkingBudget,
	}
}

// truncateHistory trims history to the message budget. The latest user
// message and everything after it form the turn in progress and are always
// kept; earlier history fills whatever budget remains.
func (cb *ContextBuilder) truncateHistory(history []domain.Message) []domain.Message {
	if cb.maxMessages <= 0 || len(history) <= cb.maxMessages {
		return history
	}

	anchor := lastUserIndex(history)
	if anchor < 0 {
		return keepNewestGroups(history, cb.maxMessages, true)
	}
	current := history[anchor:]
	earlier := keepNewestGroups(history[:anchor], cb.maxMessages-len(current), false)

	result := make([]domain.Message, 0, len(earlier)+len(current))
	result = append(result, earlier...)
	return append(result, current...)
}

func lastUserIndex(msgs []domain.Message) int {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == domain.RoleUser {
			return i
		}
	}
	return -1
}

// keepNewestGroups keeps whole groups from the end while they fit in budget.
// keepOversized keeps the newest group even when it alone is over budget.
func keepNewestGroups(msgs []domain.Message, budget int, keepOversized bool) []domain.Message {
	if len(msgs) <= budget {
		return msgs
	}

	// [Assistant(tool_calls), ToolResult...] is never split.
	groups := groupMessages(msgs)

	var kept [][]domain.Message
	total := 0
	for i := len(groups) - 1; i >= 0; i-- {
		groupLen := len(groups[i])
		if total+groupLen > budget && (total > 0 || !keepOversized) {
			break
		}
		kept = append(kept, groups[i])
		total += groupLen
	}

	result := make([]domain.Message, 0, total)
	for i := len(kept) - 1; i >= 0; i-- {
		result = append(result, kept[i]...)
	}

	// A window starting on tool results would orphan them from their call.
	for len(result) > 0 && result[0].Role == domain.RoleTool {
		result = result[1:]
	}
	return result
}

// groupMessages partitions messages into atomic groups.
// An assistant message with tool calls and its immediately following
// tool result messages form a single group. All other messages are
// individual groups.
func groupMessages(msgs []domain.Message) [][]domain.Message {
	var groups [][]domain.Message
	i := 0
	for i < len(msgs) {
		msg := msgs[i]
		if msg.Role == domain.RoleAssistant && len(msg.ToolCalls) > 0 {
			group := []domain.Message{msg}
			j := i + 1
			for j < len(msgs) && msgs[j].Role == domain.RoleTool {
				group = append(group, msgs[j])
				j++
			}
			groups = append(groups, group)
			i = j
		} else {
			groups = append(groups, []domain.Message{msg})
			i++
		}
	}
	return groups
}
