package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validAction() *DomainAction {
	return &DomainAction{
		ActionID:      NewActionID(),
		ActionType:    "session.create",
		OriginService: "chat",
		TargetService: "orchestrator",
		TenantID:      "tenant-1",
		TraceID:       NewTraceID(),
		Data:          map[string]interface{}{"user": "u-1"},
		CreatedAt:     time.Now().UTC(),
	}
}

func TestActionMode(t *testing.T) {
	a := validAction()
	assert.Equal(t, ModeFireAndForget, a.Mode())

	a.CallbackQueueName = "agentbus:dev:chat:responses:corr-1"
	assert.Equal(t, ModePseudoSync, a.Mode())

	a.CallbackActionType = "session.create.completed"
	assert.Equal(t, ModeAsyncCallback, a.Mode())
}

func TestActionModeString(t *testing.T) {
	assert.Equal(t, "fire_and_forget", ModeFireAndForget.String())
	assert.Equal(t, "pseudo_sync", ModePseudoSync.String())
	assert.Equal(t, "async_callback", ModeAsyncCallback.String())
}

func TestActionValidate(t *testing.T) {
	t.Run("valid fire and forget", func(t *testing.T) {
		assert.NoError(t, validAction().Validate())
	})

	t.Run("missing action id", func(t *testing.T) {
		a := validAction()
		a.ActionID = ""
		assert.Error(t, a.Validate())
	})

	t.Run("action type shape", func(t *testing.T) {
		for _, good := range []string{"session.create", "task.assign.bulk", "a1.b2_c3"} {
			a := validAction()
			a.ActionType = good
			assert.NoError(t, a.Validate(), good)
		}
		for _, bad := range []string{"", "create", "Session.Create", "a.b.c.d", "a..b"} {
			a := validAction()
			a.ActionType = bad
			assert.Error(t, a.Validate(), bad)
		}
	})

	t.Run("missing trace id", func(t *testing.T) {
		a := validAction()
		a.TraceID = ""
		assert.Error(t, a.Validate())
	})

	t.Run("reply modes require correlation id", func(t *testing.T) {
		a := validAction()
		a.CallbackQueueName = "agentbus:dev:chat:responses:x"
		assert.Error(t, a.Validate())

		a.CorrelationID = NewCorrelationID()
		assert.NoError(t, a.Validate())
	})

	t.Run("callback type without queue", func(t *testing.T) {
		a := validAction()
		a.CallbackActionType = "session.create.completed"
		assert.Error(t, a.Validate())
	})

	t.Run("missing created at", func(t *testing.T) {
		a := validAction()
		a.CreatedAt = time.Time{}
		assert.Error(t, a.Validate())
	})
}

func TestActionCodecRoundTrip(t *testing.T) {
	a := validAction()
	a.CorrelationID = NewCorrelationID()
	a.CallbackQueueName = "agentbus:dev:chat:callbacks"
	a.CallbackActionType = "session.create.completed"
	a.Metadata = map[string]string{"source": "api"}

	data, err := EncodeAction(a)
	require.NoError(t, err)

	decoded, err := DecodeAction(data)
	require.NoError(t, err)
	assert.Equal(t, a.ActionID, decoded.ActionID)
	assert.Equal(t, a.ActionType, decoded.ActionType)
	assert.Equal(t, a.CorrelationID, decoded.CorrelationID)
	assert.Equal(t, a.CallbackActionType, decoded.CallbackActionType)
	assert.Equal(t, ModeAsyncCallback, decoded.Mode())
	assert.True(t, a.CreatedAt.Equal(decoded.CreatedAt))
}

func TestEncodeActionDeterministic(t *testing.T) {
	a := validAction()
	a.Data = map[string]interface{}{"zebra": 1, "alpha": 2, "mid": 3}

	first, err := EncodeAction(a)
	require.NoError(t, err)
	second, err := EncodeAction(a)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestDecodeActionRejectsPoison(t *testing.T) {
	t.Run("not json", func(t *testing.T) {
		_, err := DecodeAction([]byte("{not json"))
		assert.Error(t, err)
	})

	t.Run("valid json invalid envelope", func(t *testing.T) {
		_, err := DecodeAction([]byte(`{"action_id":"a1"}`))
		assert.Error(t, err)
	})
}

func TestResponseValidate(t *testing.T) {
	req := validAction()
	req.CorrelationID = NewCorrelationID()

	t.Run("success carries data only", func(t *testing.T) {
		resp := NewSuccessResponse(req, map[string]interface{}{"ok": true})
		assert.NoError(t, resp.Validate())

		resp.Error = &ErrorDetail{Type: "HandlerError", Message: "boom"}
		assert.Error(t, resp.Validate())
	})

	t.Run("failure carries error only", func(t *testing.T) {
		resp := NewErrorResponse(req, &ErrorDetail{Type: "HandlerError", Message: "boom"})
		assert.NoError(t, resp.Validate())

		resp.Error = nil
		assert.Error(t, resp.Validate())
	})

	t.Run("failure with data", func(t *testing.T) {
		resp := NewErrorResponse(req, &ErrorDetail{Type: "Timeout", Message: "late"})
		resp.Data = map[string]interface{}{"partial": true}
		assert.Error(t, resp.Validate())
	})
}

func TestResponseCodecRoundTrip(t *testing.T) {
	req := validAction()
	req.CorrelationID = NewCorrelationID()

	resp := NewErrorResponse(req, &ErrorDetail{
		Type:    "TierLimitExceeded",
		Message: "daily quota exhausted",
		Code:    "EMBEDDING_QUOTA",
		Details: map[string]interface{}{"tenant_id": "tenant-1"},
	})

	data, err := EncodeResponse(resp)
	require.NoError(t, err)

	decoded, err := DecodeResponse(data)
	require.NoError(t, err)
	assert.Equal(t, req.CorrelationID, decoded.CorrelationID)
	assert.Equal(t, req.TraceID, decoded.TraceID)
	assert.False(t, decoded.Success)
	require.NotNil(t, decoded.Error)
	assert.Equal(t, "EMBEDDING_QUOTA", decoded.Error.Code)
}

func TestIDGenerators(t *testing.T) {
	assert.NotEqual(t, NewActionID(), NewActionID())
	assert.NotEmpty(t, NewCorrelationID())
	assert.NotEmpty(t, NewTraceID())
}
