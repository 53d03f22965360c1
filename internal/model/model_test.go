package model_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/shikake/internal/model"
)

// ---- ValidateEvent ------------------------------------------------------

func TestValidateEvent_HappyPath(t *testing.T) {
	e := model.Event{ID: "evt-1", Source: "gmail", Event: "message.received", UserID: "u1"}
	assert.NoError(t, model.ValidateEvent(e))
}

func TestValidateEvent_MissingFields(t *testing.T) {
	tests := []struct {
		name  string
		event model.Event
		want  string
	}{
		{"missing id", model.Event{Source: "s", Event: "e"}, "id"},
		{"missing source", model.Event{ID: "1", Event: "e"}, "source"},
		{"missing event", model.Event{ID: "1", Source: "s"}, "event"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := model.ValidateEvent(tt.event)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateEvent_SourceOverMax(t *testing.T) {
	e := model.Event{ID: "1", Source: strings.Repeat("s", model.MaxSourceLen+1), Event: "e"}
	err := model.ValidateEvent(e)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "source")
}

// ---- CreateUnitRequest --------------------------------------------------

func validUnit() model.CreateUnitRequest {
	return model.CreateUnitRequest{
		OwnerID:      "user-1",
		Name:         "urgent mail to slack",
		CompiledWhen: model.Trigger{Type: model.TriggerTypeEvent, Source: "gmail", Event: "message.received"},
		CompiledThen: []model.Action{{Tool: "http.request"}},
	}
}

func TestCreateUnitRequest_Validate(t *testing.T) {
	assert.NoError(t, validUnit().Validate())

	r := validUnit()
	r.CompiledWhen.Source = ""
	assert.Error(t, r.Validate())

	r = validUnit()
	r.CompiledWhen.Type = "schedule"
	assert.Error(t, r.Validate())

	r = validUnit()
	r.Status = "deleted"
	assert.Error(t, r.Validate())

	r = validUnit()
	r.CompiledThen = []model.Action{{Tool: ""}}
	err := r.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "compiled_then[0]")
}

func TestValidateUnitLimits(t *testing.T) {
	r := validUnit()
	assert.NoError(t, model.ValidateUnitLimits(r))

	r.CompiledIf = make([]model.Condition, model.MaxUnitConditions+1)
	assert.Error(t, model.ValidateUnitLimits(r))
}

// ---- Expected -----------------------------------------------------------

func TestExpected_UnmarshalJSON(t *testing.T) {
	var c model.Condition
	require.NoError(t, json.Unmarshal([]byte(`{"type":"semantic","expected":"yes"}`), &c))
	assert.Equal(t, model.Expected{"yes"}, c.Expected)

	require.NoError(t, json.Unmarshal([]byte(`{"type":"semantic","expected":["positive","neutral"]}`), &c))
	assert.Equal(t, model.Expected{"positive", "neutral"}, c.Expected)

	assert.Error(t, json.Unmarshal([]byte(`{"type":"semantic","expected":42}`), &c))
}

func TestRunStatus_Terminal(t *testing.T) {
	assert.False(t, model.RunStatusPending.Terminal())
	assert.False(t, model.RunStatusRunning.Terminal())
	assert.True(t, model.RunStatusSuccess.Terminal())
	assert.True(t, model.RunStatusFailed.Terminal())
}
