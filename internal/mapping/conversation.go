package mapping

// Recognized conversation attributes, usable as a field rule's SourceField
// and as variables inside mapping expressions.
const (
	FieldQuery                = "query"
	FieldSources              = "sources"
	FieldFiles                = "files"
	FieldHistory              = "history"
	FieldLastAssistantMessage = "lastAssistantMessage"
	FieldLastUserMessage      = "lastUserMessage"
	FieldConversationID       = "conversationId"
	FieldFeatureType          = "featureType"
)

// ConversationFields lists every recognized attribute in a stable order.
var ConversationFields = []string{
	FieldQuery, FieldSources, FieldFiles, FieldHistory,
	FieldLastAssistantMessage, FieldLastUserMessage,
	FieldConversationID, FieldFeatureType,
}

// OutputVariable is the name the raw workflow output is bound to during extraction.
const OutputVariable = "output"

// Message is one turn of the conversation history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ConversationData is the conversation-shaped input a mapping reads from.
type ConversationData struct {
	Query                string    `json:"query,omitempty"`
	Sources              []any     `json:"sources,omitempty"`
	Files                []any     `json:"files,omitempty"`
	History              []Message `json:"history,omitempty"`
	LastAssistantMessage string    `json:"lastAssistantMessage,omitempty"`
	LastUserMessage      string    `json:"lastUserMessage,omitempty"`
	ConversationID       string    `json:"conversationId,omitempty"`
	FeatureType          string    `json:"featureType,omitempty"`
}

// Variables returns the recognized attributes keyed by name. Absent
// attributes are present with a nil value so expressions can test for them.
// When the last user or assistant message is not set explicitly it is
// derived from History.
func (c ConversationData) Variables() map[string]any {
	vars := make(map[string]any, len(ConversationFields))
	for _, f := range ConversationFields {
		vars[f] = nil
	}

	if c.Query != "" {
		vars[FieldQuery] = c.Query
	}
	if c.Sources != nil {
		vars[FieldSources] = c.Sources
	}
	if c.Files != nil {
		vars[FieldFiles] = c.Files
	}
	if c.History != nil {
		history := make([]any, len(c.History))
		for i, m := range c.History {
			history[i] = map[string]any{"role": m.Role, "content": m.Content}
		}
		vars[FieldHistory] = history
	}

	lastUser, lastAssistant := c.LastUserMessage, c.LastAssistantMessage
	for i := len(c.History) - 1; i >= 0 && (lastUser == "" || lastAssistant == ""); i-- {
		switch m := c.History[i]; m.Role {
		case "user":
			if lastUser == "" {
				lastUser = m.Content
			}
		case "assistant":
			if lastAssistant == "" {
				lastAssistant = m.Content
			}
		}
	}
	if lastUser != "" {
		vars[FieldLastUserMessage] = lastUser
	}
	if lastAssistant != "" {
		vars[FieldLastAssistantMessage] = lastAssistant
	}

	if c.ConversationID != "" {
		vars[FieldConversationID] = c.ConversationID
	}
	if c.FeatureType != "" {
		vars[FieldFeatureType] = c.FeatureType
	}
	return vars
}
