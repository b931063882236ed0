package assistant

import (
	"encoding/json"
	"testing"

	"tradeassist/gateway/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frame(t *testing.T, typ model.MessageType, payload interface{}) []byte {
	t.Helper()
	msg, err := model.NewMessage(typ, payload)
	require.NoError(t, err)
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	return raw
}

func TestRouterDeliversInRegistrationOrder(t *testing.T) {
	r := NewRouter()

	var order []string
	r.Subscribe(func(msg model.Message) { order = append(order, "first") })
	r.Subscribe(func(msg model.Message) { order = append(order, "second") })
	r.Subscribe(func(msg model.Message) { order = append(order, "third") })

	r.Dispatch(frame(t, model.MessageTypeConnectionAck, nil))

	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestRouterTypeFilter(t *testing.T) {
	r := NewRouter()

	var proposals, logs, all int
	r.SubscribeTypes(func(msg model.Message) { proposals++ },
		model.MessageTypeProposalCreated, model.MessageTypeProposalUpdated)
	r.SubscribeTypes(func(msg model.Message) { logs++ }, model.MessageTypeTradeLog)
	r.Subscribe(func(msg model.Message) { all++ })

	r.Dispatch(frame(t, model.MessageTypeProposalCreated, model.Proposal{ID: "p1"}))
	r.Dispatch(frame(t, model.MessageTypeProposalUpdated, model.Proposal{ID: "p1"}))
	r.Dispatch(frame(t, model.MessageTypeTradeLog, model.TradeLog{Message: "filled"}))
	r.Dispatch(frame(t, model.MessageTypePong, nil))

	assert.Equal(t, 2, proposals)
	assert.Equal(t, 1, logs)
	assert.Equal(t, 4, all)
}

func TestRouterPanickingHandlerDoesNotStarveOthers(t *testing.T) {
	r := NewRouter()

	var after int
	r.Subscribe(func(msg model.Message) { panic("boom") })
	r.Subscribe(func(msg model.Message) { after++ })

	assert.NotPanics(t, func() {
		r.Dispatch(frame(t, model.MessageTypeTradeLog, model.TradeLog{Message: "x"}))
	})
	assert.Equal(t, 1, after)
}

func TestRouterDropsMalformedFrames(t *testing.T) {
	r := NewRouter()

	var delivered int
	r.Subscribe(func(msg model.Message) { delivered++ })

	r.Dispatch([]byte(`{not json`))
	r.Dispatch([]byte(`42`))
	r.Dispatch([]byte(`{"data": {"id": "p1"}}`)) // no type
	r.Dispatch([]byte(``))

	assert.Zero(t, delivered)

	// A valid frame still goes through afterwards
	r.Dispatch(frame(t, model.MessageTypeConnectionAck, nil))
	assert.Equal(t, 1, delivered)
}

func TestRouterUnsubscribe(t *testing.T) {
	r := NewRouter()

	var a, b int
	idA := r.Subscribe(func(msg model.Message) { a++ })
	r.Subscribe(func(msg model.Message) { b++ })

	r.Dispatch(frame(t, model.MessageTypePong, nil))
	r.Unsubscribe(idA)
	r.Dispatch(frame(t, model.MessageTypePong, nil))

	assert.Equal(t, 1, a)
	assert.Equal(t, 2, b)

	// Unknown ids are ignored
	assert.NotPanics(t, func() { r.Unsubscribe(9999) })
}

func TestRouterHandlerReceivesDecodablePayload(t *testing.T) {
	r := NewRouter()

	var got model.Proposal
	r.SubscribeTypes(func(msg model.Message) {
		require.NoError(t, msg.Decode(&got))
	}, model.MessageTypeProposalCreated)

	want := model.Proposal{
		ID:       "p-7",
		Symbol:   "AAPL",
		Action:   model.ActionBuy,
		Quantity: 10,
		Price:    187.5,
		Status:   model.ProposalStatusPending,
	}
	r.Dispatch(frame(t, model.MessageTypeProposalCreated, want))

	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.Symbol, got.Symbol)
	assert.Equal(t, want.Price, got.Price)
}
