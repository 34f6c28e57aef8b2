package ports

import (
	"context"
	"time"
)

// Conversation modes.
const (
	ModePlan  = "plan"
	ModeBuild = "build"
)

// Message statuses.
const (
	StatusStreaming = "streaming"
	StatusComplete  = "complete"
)

// Conversation owns a mode, an optional linked project directory and the
// owning principal.
type Conversation struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Mode        string    `json:"mode"`
	ProjectPath string    `json:"projectPath,omitempty"`
	UserID      string    `json:"userId"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// StoredMessage is a persisted conversation message. Messages are ordered by
// CreatedAt within a conversation and never updated after creation except
// the streaming→complete status transition on the terminal agent message.
type StoredMessage struct {
	ID             string           `json:"id"`
	ConversationID string           `json:"conversationId"`
	Role           string           `json:"role"`
	Content        string           `json:"content"`
	ToolCalls      []ToolCallRecord `json:"toolCalls,omitempty"`
	Status         string           `json:"status"`
	CreatedAt      time.Time        `json:"createdAt"`
}

// ToolCallRecord is the persisted trace of one tool invocation, stored on the
// terminal assistant message of a turn. Result is truncated to 500 chars
// before persisting.
type ToolCallRecord struct {
	Name   string         `json:"name"`
	Args   map[string]any `json:"args"`
	Status string         `json:"status"`
	Result string         `json:"result"`
}

// Settings is the singleton (id=1) runtime configuration row.
type Settings struct {
	EndpointURL      string  `json:"endpointUrl"`
	APIKey           string  `json:"apiKey,omitempty"`
	ModelName        string  `json:"modelName"`
	Mode             string  `json:"mode"`
	MaxTokens        int     `json:"maxTokens"`
	Temperature      float64 `json:"temperature"`
	DualModelEnabled bool    `json:"dualModelEnabled"`
	PlannerModelName string  `json:"plannerModelName,omitempty"`
	CoderModelName   string  `json:"coderModelName,omitempty"`
}

// ChangeLogEntry records the files one turn modified, so the UI can show a
// per-conversation change history without replaying diffs.
type ChangeLogEntry struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Paths          []string  `json:"paths"`
	Summary        string    `json:"summary,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// PublishedApp is one published-project record. The build/deploy pipeline
// behind it is out of scope; the core only keeps the records.
type PublishedApp struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	ProjectPath string    `json:"projectPath"`
	UserID      string    `json:"userId"`
	Port        int       `json:"port,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Persistence is the storage collaborator. Implementations enforce one
// conversation per (userID, projectPath) and message ordering by CreatedAt
// ascending.
type Persistence interface {
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]*Conversation, error)
	UpdateConversation(ctx context.Context, conv *Conversation) error
	// DeleteConversation cascades to the conversation's messages and change
	// log.
	DeleteConversation(ctx context.Context, id string) error

	AppendMessage(ctx context.Context, msg *StoredMessage) error
	// Messages returns the conversation's messages ordered by CreatedAt ASC.
	Messages(ctx context.Context, conversationID string) ([]*StoredMessage, error)
	CompleteMessage(ctx context.Context, messageID string) error

	GetSettings(ctx context.Context) (*Settings, error)
	SaveSettings(ctx context.Context, settings *Settings) error

	AppendChangeLog(ctx context.Context, entry *ChangeLogEntry) error
	// ChangeLog returns the conversation's entries ordered by CreatedAt ASC.
	ChangeLog(ctx context.Context, conversationID string) ([]*ChangeLogEntry, error)
}

// PublishedApps manages published-project records. Names are globally
// unique; the implementation enforces it.
type PublishedApps interface {
	PublishApp(ctx context.Context, app *PublishedApp) error
	ListPublishedApps(ctx context.Context, userID string) ([]*PublishedApp, error)
	GetPublishedApp(ctx context.Context, id string) (*PublishedApp, error)
	UnpublishApp(ctx context.Context, id string) error
}

// Auth resolves the subject id from the request principal. Ownership checks
// live in the collaborator.
type Auth interface {
	ResolveSubject(ctx context.Context, principal string) (string, error)
}

// RemoteFileClient is the optional remote workspace collaborator. A nil
// client disables the remote capability tools.
type RemoteFileClient interface {
	VerifyToken(ctx context.Context) error
	ListRepls(ctx context.Context, search string) ([]RemoteRepl, error)
	GetReplByID(ctx context.Context, id string) (*RemoteRepl, error)
	ReadReplFile(ctx context.Context, replID, path string) (string, error)
	WriteReplFile(ctx context.Context, replID, path, content string) error
	ListReplFiles(ctx context.Context, replID, dir string) ([]string, error)
	DeleteReplFile(ctx context.Context, replID, path string) error
}

// RemoteRepl is one remote workspace entry.
type RemoteRepl struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Language string `json:"language,omitempty"`
	URL      string `json:"url,omitempty"`
}

// TruncateResult clips a tool result for persistence.
func TruncateResult(result string, limit int) string {
	if limit <= 0 {
		limit = 500
	}
	if len(result) <= limit {
		return result
	}
	return result[:limit] + "..."
}
