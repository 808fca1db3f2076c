// Package domain holds the gateway's storage-agnostic entity types and the
// invariants their owning services must uphold. Nothing in this package
// depends on the store or the broker; it is the shared vocabulary both
// import.
package domain

import "time"

// ProjectStatus is the lifecycle status of a Project.
type ProjectStatus string

const (
	ProjectDraft      ProjectStatus = "draft"
	ProjectConsensus  ProjectStatus = "consensus"
	ProjectActive     ProjectStatus = "active"
	ProjectCompleted  ProjectStatus = "completed"
)

// Project is a user-created workspace. At most one Project has Active=true
// at any time — enforced by the store's SetActiveProject transaction.
type Project struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	Path            string        `json:"path"`
	Active          bool          `json:"active"`
	Status          ProjectStatus `json:"status"`
	ActiveContextID *string       `json:"activeContextId,omitempty"`
	ActivePlanID    *string       `json:"activePlanId,omitempty"`
	CurrentTaskID   *string       `json:"currentTaskId,omitempty"`
	CreatedAt       time.Time     `json:"createdAt"`
	UpdatedAt       time.Time     `json:"updatedAt"`
}

// ChatRole identifies who authored a ChatMessage.
type ChatRole string

const (
	RoleUser   ChatRole = "user"
	RoleAgent  ChatRole = "agent"
	RoleSystem ChatRole = "system"
)

// ChatMessage is an append-only, UI-facing message. MsgID is stable across
// the store, the broker and the UI.
type ChatMessage struct {
	ID        string    `json:"id"`
	MsgID     string    `json:"msgId"`
	ProjectID string    `json:"projectId"`
	TaskID    *string   `json:"taskId,omitempty"`
	Role      ChatRole  `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// TimelineStatus is the lifecycle status of a TimelineEvent.
type TimelineStatus string

const (
	TimelineRunning TimelineStatus = "running"
	TimelineSuccess TimelineStatus = "success"
	TimelineError   TimelineStatus = "error"
	TimelineEvent_  TimelineStatus = "event" // generic domain event, not a plan step
)

// TimelineEvent records one step of a plan, or a generic domain event.
// GenericEventStepIndex is used as the sentinel stepIndex for non-plan
// events; plan steps use stepIndex >= 0, unique and monotonic per
// CorrelationID.
const GenericEventStepIndex = -1

type TimelineEvent struct {
	ID            string         `json:"id"`
	ProjectID     string         `json:"projectId"`
	StepIndex     int            `json:"stepIndex"`
	Tool          string         `json:"tool"`
	ArgsJSON      string         `json:"argsJson"`
	Status        TimelineStatus `json:"status"`
	ResultJSON    *string        `json:"resultJson,omitempty"`
	CorrelationID *string        `json:"correlationId,omitempty"`
	StartedAt     time.Time      `json:"startedAt"`
	FinishedAt    *time.Time     `json:"finishedAt,omitempty"`
}

// AgentSession is one subprocess lifetime for a project's AI CLI.
type AgentSession struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"projectId"`
	Provider    string     `json:"provider"`
	StartedAt   time.Time  `json:"startedAt"`
	EndedAt     *time.Time `json:"endedAt,omitempty"`
	SummaryText *string    `json:"summaryText,omitempty"`
}

// AgentMessageRole identifies the role of an AgentMessage.
type AgentMessageRole string

const (
	AgentRoleUser      AgentMessageRole = "user"
	AgentRoleAssistant AgentMessageRole = "assistant"
	AgentRoleTool      AgentMessageRole = "tool"
)

// AgentMessage is a session-scoped message, including tool invocations.
type AgentMessage struct {
	ID             string           `json:"id"`
	SessionID      string           `json:"sessionId"`
	Role           AgentMessageRole `json:"role"`
	Content        string           `json:"content"`
	Timestamp      time.Time        `json:"ts"`
	ToolName       *string          `json:"toolName,omitempty"`
	ToolArgsJSON   *string          `json:"toolArgsJson,omitempty"`
	ToolResultJSON *string          `json:"toolResultJson,omitempty"`
}

// ArtifactCategory classifies an Artifact.
type ArtifactCategory string

const (
	ArtifactCode       ArtifactCategory = "code"
	ArtifactAsset      ArtifactCategory = "asset"
	ArtifactDocument   ArtifactCategory = "document"
	ArtifactScreenshot ArtifactCategory = "screenshot"
)

// ArtifactValidationStatus is the validation lifecycle of an Artifact.
type ArtifactValidationStatus string

const (
	ArtifactPending ArtifactValidationStatus = "pending"
	ArtifactValid   ArtifactValidationStatus = "valid"
	ArtifactInvalid ArtifactValidationStatus = "invalid"
)

// Artifact is a file produced by a tool call or a session.
type Artifact struct {
	ID               string                   `json:"id"`
	SessionID        *string                  `json:"sessionId,omitempty"`
	TaskID           *string                  `json:"taskId,omitempty"`
	Type             string                   `json:"type"`
	Path             string                   `json:"path"`
	Category         *ArtifactCategory        `json:"category,omitempty"`
	MetaJSON         *string                  `json:"metaJson,omitempty"`
	ValidationStatus ArtifactValidationStatus `json:"validationStatus"`
	SizeBytes        *int64                   `json:"sizeBytes,omitempty"`
	Timestamp        time.Time                `json:"ts"`
}

// TaskStatus is the task state-machine status.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskBlocked    TaskStatus = "blocked"
	TaskDone       TaskStatus = "done"
)

// Task is one unit of work in a project's plan.
type Task struct {
	ID             string     `json:"id"`
	ProjectID      string     `json:"projectId"`
	Code           string     `json:"code"`
	Title          string     `json:"title"`
	Description    string     `json:"description"`
	Acceptance     string     `json:"acceptance"`
	Status         TaskStatus `json:"status"`
	DepsJSON       string     `json:"depsJson"`
	MCPToolsJSON   string     `json:"mcpToolsJson"`
	DeliverablesJSON string   `json:"deliverablesJson"`
	EstimatesJSON  string     `json:"estimatesJson"`
	Priority       int        `json:"priority"`
	PlanID         *string    `json:"planId,omitempty"`
	Idx            int        `json:"idx"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
}

// TaskPlanStatus is the lifecycle status of a TaskPlan.
type TaskPlanStatus string

const (
	PlanProposed  TaskPlanStatus = "proposed"
	PlanAccepted  TaskPlanStatus = "accepted"
	PlanSuperseded TaskPlanStatus = "superseded"
)

// TaskPlanCreator identifies who produced a TaskPlan.
type TaskPlanCreator string

const (
	CreatedByAI     TaskPlanCreator = "ai"
	CreatedByUser   TaskPlanCreator = "user"
	CreatedBySystem TaskPlanCreator = "system"
)

// TaskPlan is one versioned proposal of a project's task breakdown. At most
// one plan per project has Status == PlanAccepted.
type TaskPlan struct {
	ID        string          `json:"id"`
	ProjectID string          `json:"projectId"`
	Version   int             `json:"version"`
	Status    TaskPlanStatus  `json:"status"`
	Summary   *string         `json:"summary,omitempty"`
	CreatedBy TaskPlanCreator `json:"createdBy"`
	CreatedAt time.Time       `json:"createdAt"`
}

// ContextScope is the scope a Context applies to.
type ContextScope string

const (
	ScopeGlobal ContextScope = "global"
	ScopeTask   ContextScope = "task"
)

// Context is a versioned JSON document injected as a prompt prefix. Within
// (ProjectID, Scope, TaskID) exactly one Context has IsActive == true.
type Context struct {
	ID        string       `json:"id"`
	ProjectID string       `json:"projectId"`
	Scope     ContextScope `json:"scope"`
	TaskID    *string      `json:"taskId,omitempty"`
	Content   string       `json:"content"`
	Version   int          `json:"version"`
	IsActive  bool         `json:"isActive"`
	CreatedBy string       `json:"createdBy"`
	Source    string       `json:"source"`
	CreatedAt time.Time    `json:"createdAt"`
}

// EventLogEntry is an append-only audit record.
type EventLogEntry struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"projectId"`
	EventType   string    `json:"eventType"`
	PayloadJSON string    `json:"payloadJson"`
	CreatedAt   time.Time `json:"createdAt"`
}
