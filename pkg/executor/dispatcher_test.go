package executor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const freezeSchema = `{
	"type": "object",
	"required": ["reason"],
	"properties": {
		"reason": {"type": "string", "minLength": 3},
		"hours": {"type": "integer", "minimum": 1}
	},
	"additionalProperties": false
}`

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	h := HandlerFunc(func(context.Context, json.RawMessage, json.RawMessage) (any, error) { return "ok", nil })

	require.NoError(t, r.Register("freeze_merchant", h))
	require.NoError(t, r.Register("adjust_float", h))
	assert.Error(t, r.Register("", h))
	assert.Error(t, r.Register("x", nil))

	_, ok := r.Lookup("freeze_merchant")
	assert.True(t, ok)
	_, ok = r.Lookup("unknown")
	assert.False(t, ok)
	assert.Equal(t, []string{"adjust_float", "freeze_merchant"}, r.Types())
}

func TestRegistry_ParamsSchema(t *testing.T) {
	r := NewRegistry()
	h := HandlerFunc(func(context.Context, json.RawMessage, json.RawMessage) (any, error) { return nil, nil })
	require.NoError(t, r.Register("freeze_merchant", h, WithParamsSchema(freezeSchema)))

	assert.NoError(t, r.ValidateParams("freeze_merchant", json.RawMessage(`{"reason":"fraud","hours":24}`)))
	assert.ErrorIs(t, r.ValidateParams("freeze_merchant", json.RawMessage(`{"hours":24}`)), ErrInvalidParams)
	assert.ErrorIs(t, r.ValidateParams("freeze_merchant", json.RawMessage(`{"reason":"fraud","extra":1}`)), ErrInvalidParams)
	assert.ErrorIs(t, r.ValidateParams("freeze_merchant", nil), ErrInvalidParams)
	assert.NoError(t, r.ValidateParams("unregistered", json.RawMessage(`"anything"`)))

	assert.Error(t, r.Register("bad", h, WithParamsSchema(`{"type": 12}`)))
}

func TestDispatcher_Success(t *testing.T) {
	r := NewRegistry()
	r.MustRegister("freeze_merchant", HandlerFunc(func(_ context.Context, target, params json.RawMessage) (any, error) {
		var tgt struct {
			MerchantID string `json:"merchant_id"`
		}
		if err := json.Unmarshal(target, &tgt); err != nil {
			return nil, err
		}
		return map[string]any{"frozen": tgt.MerchantID}, nil
	}))
	d := NewDispatcher(r, time.Second)

	out := d.Run(context.Background(), "freeze_merchant", json.RawMessage(`{"merchant_id":"m-1"}`), nil)
	require.NoError(t, out.Err)
	assert.False(t, out.Failed())
	assert.Equal(t, map[string]any{"frozen": "m-1"}, out.Result)
}

func TestDispatcher_HandlerError(t *testing.T) {
	r := NewRegistry()
	r.MustRegister("pause_payouts", HandlerFunc(func(context.Context, json.RawMessage, json.RawMessage) (any, error) {
		return nil, errors.New("psp unavailable")
	}))
	out := NewDispatcher(r, time.Second).Run(context.Background(), "pause_payouts", nil, nil)
	assert.True(t, out.Failed())
	assert.EqualError(t, out.Err, "psp unavailable")
}

func TestDispatcher_MissingHandler(t *testing.T) {
	out := NewDispatcher(NewRegistry(), time.Second).Run(context.Background(), "nope", nil, nil)
	assert.ErrorIs(t, out.Err, ErrNoHandler)
}

func TestDispatcher_Timeout(t *testing.T) {
	r := NewRegistry()
	r.MustRegister("slow", HandlerFunc(func(ctx context.Context, _, _ json.RawMessage) (any, error) {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		return "late", nil
	}), WithTimeout(20*time.Millisecond))

	out := NewDispatcher(r, time.Minute).Run(context.Background(), "slow", nil, nil)
	assert.ErrorIs(t, out.Err, ErrHandlerTimeout)
	assert.Less(t, out.Duration, time.Second)
}

func TestDispatcher_PanicIsolated(t *testing.T) {
	r := NewRegistry()
	r.MustRegister("boom", HandlerFunc(func(context.Context, json.RawMessage, json.RawMessage) (any, error) {
		panic("nil map")
	}))
	out := NewDispatcher(r, time.Second).Run(context.Background(), "boom", nil, nil)
	assert.ErrorIs(t, out.Err, ErrHandlerPanic)
	assert.Contains(t, out.Err.Error(), "nil map")
}
