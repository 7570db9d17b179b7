package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AJDIGITALllc/worksie/pkg/registry"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{
			name: "valid promote",
			raw:  `{"action":"promote","modelId":"m2","rolloutRatio":0.2,"requestedBy":"alice"}`,
		},
		{
			name: "valid rollback without target",
			raw:  `{"action":"rollback","requestedBy":"oncall"}`,
		},
		{
			name: "valid rollback with target",
			raw:  `{"action":"rollback","toModelId":"m1","requestedBy":"oncall"}`,
		},
		{
			name:    "promote without modelId",
			raw:     `{"action":"promote","requestedBy":"alice"}`,
			wantErr: true,
		},
		{
			name:    "missing requestedBy",
			raw:     `{"action":"promote","modelId":"m2"}`,
			wantErr: true,
		},
		{
			name:    "empty requestedBy",
			raw:     `{"action":"promote","modelId":"m2","requestedBy":""}`,
			wantErr: true,
		},
		{
			name:    "unknown action",
			raw:     `{"action":"reboot","requestedBy":"alice"}`,
			wantErr: true,
		},
		{
			name:    "unexpected field",
			raw:     `{"action":"rollback","requestedBy":"a","force":true}`,
			wantErr: true,
		},
		{
			name:    "not json",
			raw:     `promote m2 please`,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := ParseCommand([]byte(tt.raw))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, cmd.ID, "parsed commands get an id")
			assert.NotEmpty(t, cmd.RequestedBy)
		})
	}
}

func TestParseCommandKeepsProvidedID(t *testing.T) {
	cmd, err := ParseCommand([]byte(`{"id":"cmd-42","action":"rollback","requestedBy":"oncall"}`))
	require.NoError(t, err)
	assert.Equal(t, "cmd-42", cmd.ID)
}

func TestExecuteCommandPromoteDefaultsRatio(t *testing.T) {
	store := newFakeStore(&registry.ModelRecord{ID: "m2"})
	ctrl := newTestController(store, nil, &captureEmitter{})

	cmd := &Command{Action: ActionPromote, ModelID: "m2", RequestedBy: "alice"}
	require.NoError(t, executeCommand(context.Background(), ctrl, cmd))

	active, err := store.ActiveModel(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DefaultRolloutRatio, active.RolloutRatio)
}

func TestExecuteCommandRollback(t *testing.T) {
	store := newFakeStore(
		&registry.ModelRecord{ID: "m2", IsActive: true, RolloutRatio: 0.1, PrevModelID: "m1"},
		&registry.ModelRecord{ID: "m1"},
	)
	ctrl := newTestController(store, nil, &captureEmitter{})

	cmd := &Command{Action: ActionRollback, RequestedBy: "oncall"}
	require.NoError(t, executeCommand(context.Background(), ctrl, cmd))

	active, err := store.ActiveModel(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "m1", active.ID)
}

func TestExecuteCommandRejectsMissingFields(t *testing.T) {
	ctrl := newTestController(newFakeStore(), nil, &captureEmitter{})

	err := executeCommand(context.Background(), ctrl, &Command{Action: ActionPromote, ModelID: "m"})
	assert.Error(t, err, "missing requestedBy")

	err = executeCommand(context.Background(), ctrl, &Command{Action: ActionPromote, RequestedBy: "a"})
	assert.Error(t, err, "missing modelId")

	err = executeCommand(context.Background(), ctrl, &Command{Action: "noop", RequestedBy: "a"})
	assert.Error(t, err, "unknown action")
}

func TestDirectDispatcherSubmits(t *testing.T) {
	store := newFakeStore(&registry.ModelRecord{ID: "m2"})
	ctrl := newTestController(store, nil, &captureEmitter{})
	d := NewDirectDispatcher(ctrl)

	ratio := 0.5
	err := d.Submit(context.Background(), &Command{
		Action: ActionPromote, ModelID: "m2", RolloutRatio: &ratio, RequestedBy: "alice",
	})
	require.NoError(t, err)

	active, err := store.ActiveModel(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0.5, active.RolloutRatio)
}
