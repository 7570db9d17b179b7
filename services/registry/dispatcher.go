package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/AJDIGITALllc/worksie/pkg/registry"
	"github.com/AJDIGITALllc/worksie/pkg/structlog"
)

// Command actions accepted on the command channel.
const (
	ActionPromote  = "promote"
	ActionRollback = "rollback"
)

// DefaultRolloutRatio applies when a promote command omits the ratio.
const DefaultRolloutRatio = 0.10

// Command is one admin promote/rollback request. RequestedBy is mandatory on
// every command; commands are rejected before dispatch without it.
type Command struct {
	ID           string   `json:"id,omitempty"`
	Action       string   `json:"action"`
	ModelID      string   `json:"modelId,omitempty"`
	RolloutRatio *float64 `json:"rolloutRatio,omitempty"`
	ToModelID    string   `json:"toModelId,omitempty"`
	RequestedBy  string   `json:"requestedBy"`
	Notes        string   `json:"notes,omitempty"`
}

const commandSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["action", "requestedBy"],
  "properties": {
    "id": {"type": "string"},
    "action": {"enum": ["promote", "rollback"]},
    "modelId": {"type": "string", "minLength": 1},
    "rolloutRatio": {"type": "number"},
    "toModelId": {"type": "string"},
    "requestedBy": {"type": "string", "minLength": 1},
    "notes": {"type": "string"}
  },
  "if": {"properties": {"action": {"const": "promote"}}},
  "then": {"required": ["action", "requestedBy", "modelId"]},
  "additionalProperties": false
}`

var commandSchema = jsonschema.MustCompileString("command.schema.json", commandSchemaJSON)

// ParseCommand validates and decodes a raw command envelope. Validation is
// schema-first so malformed envelopes from the channel are rejected with a
// reason before any field is trusted.
func ParseCommand(raw []byte) (*Command, error) {
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode command: %w", err)
	}
	if err := commandSchema.Validate(payload); err != nil {
		return nil, fmt.Errorf("invalid command: %w", err)
	}
	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return nil, fmt.Errorf("decode command: %w", err)
	}
	cmd.Action = strings.ToLower(cmd.Action)
	if cmd.ID == "" {
		cmd.ID = uuid.New().String()
	}
	return &cmd, nil
}

// Dispatcher submits commands for execution. MessageChannel queues through
// the command channel for the consumer loop; DirectInvocation executes
// in-process. Both satisfy the same contract so callers select by
// configuration, not code path.
type Dispatcher interface {
	Submit(ctx context.Context, cmd *Command) error
}

// DirectDispatcher executes the command against the controller immediately.
type DirectDispatcher struct {
	ctrl *Controller
}

func NewDirectDispatcher(ctrl *Controller) *DirectDispatcher {
	return &DirectDispatcher{ctrl: ctrl}
}

func (d *DirectDispatcher) Submit(ctx context.Context, cmd *Command) error {
	return executeCommand(ctx, d.ctrl, cmd)
}

// ChannelDispatcher publishes the command to a redis channel consumed by the
// registry service's command loop.
type ChannelDispatcher struct {
	rdb     *redis.Client
	channel string
	timeout time.Duration
}

func NewChannelDispatcher(rdb *redis.Client, channel string) *ChannelDispatcher {
	return &ChannelDispatcher{rdb: rdb, channel: channel, timeout: 5 * time.Second}
}

func (d *ChannelDispatcher) Submit(ctx context.Context, cmd *Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := d.rdb.Publish(ctx, d.channel, data).Err(); err != nil {
		return fmt.Errorf("publish command: %w", err)
	}
	return nil
}

func executeCommand(ctx context.Context, ctrl *Controller, cmd *Command) error {
	if cmd.RequestedBy == "" {
		return errors.New("requestedBy is required")
	}
	switch cmd.Action {
	case ActionRollback:
		_, err := ctrl.Rollback(ctx, cmd.ToModelID, cmd.RequestedBy)
		return err
	case ActionPromote:
		if cmd.ModelID == "" {
			return errors.New("modelId is required for promotion")
		}
		ratio := DefaultRolloutRatio
		if cmd.RolloutRatio != nil {
			ratio = *cmd.RolloutRatio
		}
		_, _, err := ctrl.Promote(ctx, cmd.ModelID, ratio, cmd.RequestedBy, cmd.Notes)
		return err
	default:
		return fmt.Errorf("unknown action %q", cmd.Action)
	}
}

// commandLoop consumes the command channel until the context ends. Delivery
// is at-least-once: re-executing a command whose target state already holds
// is a harmless no-op at the store level, so failures are logged and counted
// rather than dead-lettered.
func commandLoop(ctx context.Context, rdb *redis.Client, channel string, ctrl *Controller, logger *structlog.Logger) {
	sub := rdb.Subscribe(ctx, channel)
	defer sub.Close()
	ch := sub.Channel()

	logger.Info(ctx, "command loop started", structlog.Fields{"channel": channel})
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			cmd, err := ParseCommand([]byte(msg.Payload))
			if err != nil {
				mCommandsTotal.WithLabelValues("invalid").Inc()
				logger.Warn(ctx, "dropping invalid command", structlog.Fields{"error": err.Error()})
				continue
			}
			cctx := structlog.WithCorrelationID(ctx, cmd.ID)
			if err := executeCommand(cctx, ctrl, cmd); err != nil {
				mCommandsTotal.WithLabelValues("failed").Inc()
				logger.Error(cctx, "command failed", structlog.Fields{
					"action": cmd.Action, "model_id": cmd.ModelID, "error": err.Error(),
					"retryable": registry.IsRetryable(err),
				})
				continue
			}
			mCommandsTotal.WithLabelValues("ok").Inc()
		}
	}
}
