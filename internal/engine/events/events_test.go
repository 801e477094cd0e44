package events

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/r3e-network/bpmn-graph-engine/internal/app/model"
)

func TestSendMessageResumesFIFO(t *testing.T) {
	var resumed []string
	r := New(func(tokenID string, payload map[string]string) error {
		resumed = append(resumed, tokenID)
		return nil
	})

	r.SubscribeMessage(model.MessageSubscription{TokenID: "t1", Name: "orderReady", CorrelationKey: "o1"})
	r.SubscribeMessage(model.MessageSubscription{TokenID: "t2", Name: "orderReady", CorrelationKey: "o1"})

	matched, startDef, err := r.SendMessage("orderReady", "o1", map[string]string{"ok": "true"})
	require.NoError(t, err)
	require.True(t, matched)
	require.Empty(t, startDef)
	require.Equal(t, []string{"t1"}, resumed)

	matched, _, err = r.SendMessage("orderReady", "o1", nil)
	require.NoError(t, err)
	require.True(t, matched)
	require.Equal(t, []string{"t1", "t2"}, resumed)
}

func TestSendMessageUnmatchedReturnsStartDefinition(t *testing.T) {
	r := New(nil)
	r.RegisterMessageStart("newOrder", "defn:order-v1")

	matched, startDef, err := r.SendMessage("newOrder", "anything", nil)
	require.NoError(t, err)
	require.False(t, matched)
	require.Equal(t, "defn:order-v1", startDef)
}

func TestBroadcastSignalFansOutToAll(t *testing.T) {
	var resumed []string
	r := New(func(tokenID string, payload map[string]string) error {
		resumed = append(resumed, tokenID)
		return nil
	})
	r.SubscribeSignal(model.MessageSubscription{TokenID: "a", Name: "alarm"})
	r.SubscribeSignal(model.MessageSubscription{TokenID: "b", Name: "alarm"})

	n, err := r.BroadcastSignal("alarm", nil)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.ElementsMatch(t, []string{"a", "b"}, resumed)

	n, err = r.BroadcastSignal("alarm", nil)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestBoundaryRegistrationRoundTrip(t *testing.T) {
	r := New(nil)
	r.RegisterBoundary(BoundaryReg{InstanceID: "i1", NodeID: "svc1", EventDef: model.EventTimer, CancelActivity: true})

	regs := r.BoundariesFor("svc1")
	require.Len(t, regs, 1)
	require.True(t, regs[0].CancelActivity)

	r.ClearBoundariesFor("svc1")
	require.Empty(t, r.BoundariesFor("svc1"))
}

func TestCancelTokenSubscriptionsRemovesOnlyThatToken(t *testing.T) {
	r := New(nil)
	r.SubscribeMessage(model.MessageSubscription{TokenID: "t1", Name: "m", CorrelationKey: "k"})
	r.SubscribeMessage(model.MessageSubscription{TokenID: "t2", Name: "m", CorrelationKey: "k2"})

	r.CancelTokenSubscriptions("t1")

	matched, _, err := r.SendMessage("m", "k", nil)
	require.NoError(t, err)
	require.False(t, matched)

	matched, _, err = r.SendMessage("m", "k2", nil)
	require.NoError(t, err)
	require.True(t, matched)
}
