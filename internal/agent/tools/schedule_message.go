package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/parleyhq/parley/internal/db"
	"github.com/parleyhq/parley/internal/schedule"
)

// maxSchedulesPerUser caps how many schedules one account may hold.
const maxSchedulesPerUser = 20

// ScheduleMessageTool lets agents set up recurring messages. Created
// schedules target the conversation the tool was called from and are
// delivered by the calling agent.
type ScheduleMessageTool struct {
	builtin
	store     *db.Store
	scheduler *schedule.Scheduler
}

// ScheduleMessageInput is the argument shape for schedule_message.
type ScheduleMessageInput struct {
	Action     string `json:"action"`
	Name       string `json:"name,omitempty"`
	Expression string `json:"expression,omitempty"`
	Message    string `json:"message,omitempty"`
	ScheduleID string `json:"schedule_id,omitempty"`
}

func NewScheduleMessageTool(store *db.Store, scheduler *schedule.Scheduler) *ScheduleMessageTool {
	return &ScheduleMessageTool{store: store, scheduler: scheduler}
}

func (t *ScheduleMessageTool) ConversationAware() bool { return true }

func (t *ScheduleMessageTool) Name() string { return "schedule_message" }

func (t *ScheduleMessageTool) Description() string {
	return "Schedule a recurring message on a cron expression, list existing schedules, or delete one."
}

func (t *ScheduleMessageTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"action": {
				"type": "string",
				"enum": ["create", "list", "delete"],
				"description": "What to do"
			},
			"name": {
				"type": "string",
				"description": "Short label for the schedule (create)"
			},
			"expression": {
				"type": "string",
				"description": "Standard 5-field cron expression or descriptor like @daily (create)"
			},
			"message": {
				"type": "string",
				"description": "Message text delivered each time the schedule fires (create)"
			},
			"schedule_id": {
				"type": "string",
				"description": "Schedule to delete (delete)"
			}
		},
		"required": ["action"]
	}`)
}

func (t *ScheduleMessageTool) Execute(ctx context.Context, input json.RawMessage) (*ToolResult, error) {
	var in ScheduleMessageInput
	if err := json.Unmarshal(input, &in); err != nil {
		return &ToolResult{Content: fmt.Sprintf("invalid schedule_message input: %v", err), IsError: true}, nil
	}

	scope := ScopeFrom(ctx)
	if scope.UserID == "" {
		return &ToolResult{Content: "Scheduling is not available here.", IsError: true}, nil
	}

	switch strings.ToLower(in.Action) {
	case "create":
		return t.create(ctx, scope, in)
	case "list":
		return t.list(ctx, scope)
	case "delete":
		return t.delete(ctx, scope, in.ScheduleID)
	default:
		return &ToolResult{Content: fmt.Sprintf("Unknown schedule action: %s", in.Action), IsError: true}, nil
	}
}

func (t *ScheduleMessageTool) create(ctx context.Context, scope CallScope, in ScheduleMessageInput) (*ToolResult, error) {
	if in.Message == "" {
		return &ToolResult{Content: "A message is required to create a schedule.", IsError: true}, nil
	}
	if err := schedule.ValidateExpression(in.Expression); err != nil {
		return &ToolResult{Content: fmt.Sprintf("Invalid cron expression %q: %v", in.Expression, err), IsError: true}, nil
	}

	n, err := t.store.CountSchedules(ctx, scope.UserID)
	if err != nil {
		return &ToolResult{Content: fmt.Sprintf("Could not check schedule quota: %v", err), IsError: true}, nil
	}
	if n >= maxSchedulesPerUser {
		return &ToolResult{Content: fmt.Sprintf("Schedule limit reached (%d). Delete one before creating another.", maxSchedulesPerUser), IsError: true}, nil
	}

	name := in.Name
	if name == "" {
		name = excerpt(in.Message, 40)
	}

	item := &db.Schedule{
		UserID:         scope.UserID,
		Name:           name,
		Expression:     in.Expression,
		Message:        in.Message,
		AgentID:        scope.AgentID,
		ConversationID: scope.ConversationID,
		Enabled:        true,
	}
	if err := t.scheduler.Create(ctx, item); err != nil {
		return &ToolResult{Content: fmt.Sprintf("Could not create schedule: %v", err), IsError: true}, nil
	}

	return &ToolResult{Content: fmt.Sprintf("Created schedule %q (%s) on %q.", item.Name, item.ID, item.Expression)}, nil
}

func (t *ScheduleMessageTool) list(ctx context.Context, scope CallScope) (*ToolResult, error) {
	items, err := t.store.ListSchedules(ctx, scope.UserID)
	if err != nil {
		return &ToolResult{Content: fmt.Sprintf("Could not list schedules: %v", err), IsError: true}, nil
	}
	if len(items) == 0 {
		return &ToolResult{Content: "No schedules set up."}, nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Schedules (%d):\n", len(items))
	for _, item := range items {
		state := "enabled"
		if !item.Enabled {
			state = "disabled"
		}
		fmt.Fprintf(&sb, "- %s [%s] %q: %s (id %s, fired %d times)\n",
			item.Name, state, item.Expression, excerpt(item.Message, 80), item.ID, item.RunCount)
	}
	return &ToolResult{Content: strings.TrimRight(sb.String(), "\n")}, nil
}

func (t *ScheduleMessageTool) delete(ctx context.Context, scope CallScope, id string) (*ToolResult, error) {
	if id == "" {
		return &ToolResult{Content: "schedule_id is required to delete a schedule.", IsError: true}, nil
	}

	item, err := t.store.GetSchedule(ctx, id)
	if err != nil || item.UserID != scope.UserID {
		return &ToolResult{Content: "Schedule not found.", IsError: true}, nil
	}

	if err := t.scheduler.Delete(ctx, id); err != nil {
		return &ToolResult{Content: fmt.Sprintf("Could not delete schedule: %v", err), IsError: true}, nil
	}
	return &ToolResult{Content: fmt.Sprintf("Deleted schedule %q.", item.Name)}, nil
}
