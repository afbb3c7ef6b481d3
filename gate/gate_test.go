package gate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/structhub/buildlens/session"
	"github.com/structhub/buildlens/stream"
)

func newTestGate(t *testing.T, opts ...Option) (*Gate, *session.Store, *stream.Broadcaster) {
	t.Helper()
	store := session.NewStore(session.DefaultFieldGraph(), nil)
	b := stream.NewBroadcaster()
	return New(store, b, opts...), store, b
}

func runningSession(t *testing.T, store *session.Store) string {
	t.Helper()
	ctx := context.Background()
	st, err := store.Create(ctx, session.NewSessionID(), "estimate my project", nil)
	require.NoError(t, err)

	_, _, err = store.Apply(ctx, st.SessionID, func(s *session.AppState) error {
		s.Status = session.StatusRunning
		return nil
	})
	require.NoError(t, err)
	return st.SessionID
}

func fileChoice() session.DecisionRequest {
	return session.DecisionRequest{
		Kind:   session.DecisionFileSelection,
		Prompt: "Which file should be analyzed?",
		Options: []session.DecisionOption{
			{ID: "opt-1", Label: "plans.pdf"},
			{ID: "opt-2", Label: "specs.pdf"},
		},
		AffectsWorkflow: true,
	}
}

func TestGate_OpenAndSubmit(t *testing.T) {
	g, store, b := newTestGate(t)
	ctx := context.Background()
	sessionID := runningSession(t, store)

	sub, err := b.Subscribe(sessionID)
	require.NoError(t, err)
	defer b.Unsubscribe(sub)

	decisionID, err := g.Open(ctx, sessionID, fileChoice())
	require.NoError(t, err)
	assert.NotEmpty(t, decisionID)

	st, err := store.Read(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusAwaitingUser, st.Status)
	require.NotNil(t, st.PendingDecision)
	assert.Equal(t, decisionID, st.PendingDecision.DecisionID)

	ev := <-sub.Events()
	assert.Equal(t, stream.EventUserDecisionNeeded, ev.Type)
	data := ev.Data.(stream.UserDecisionNeededData)
	assert.Equal(t, decisionID, data.DecisionID)
	assert.Len(t, data.Options, 2)

	require.NoError(t, g.Submit(ctx, sessionID, decisionID, "opt-2"))

	st, err = store.Read(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusRunning, st.Status)
	assert.Nil(t, st.PendingDecision)

	last := st.ManagerNotes["last_decision"].(map[string]any)
	assert.Equal(t, "opt-2", last["response"])

	outcome, err := g.Await(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, "opt-2", outcome.Response)
	assert.False(t, outcome.Synthesized)
	assert.False(t, outcome.TimedOut)
}

func TestGate_SubmitStaleDecision(t *testing.T) {
	g, store, _ := newTestGate(t)
	ctx := context.Background()
	sessionID := runningSession(t, store)

	decisionID, err := g.Open(ctx, sessionID, fileChoice())
	require.NoError(t, err)

	err = g.Submit(ctx, sessionID, "d-deadbeef", "opt-1")
	require.ErrorIs(t, err, session.ErrStaleDecision)

	// The real decision is still pending and still answerable.
	require.NoError(t, g.Submit(ctx, sessionID, decisionID, "opt-1"))
}

func TestGate_SubmitRejectsUnknownOption(t *testing.T) {
	g, store, _ := newTestGate(t)
	ctx := context.Background()
	sessionID := runningSession(t, store)

	decisionID, err := g.Open(ctx, sessionID, fileChoice())
	require.NoError(t, err)

	err = g.Submit(ctx, sessionID, decisionID, "opt-99")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not one of the offered options")
}

func TestGate_FreeFormResponseAllowed(t *testing.T) {
	g, store, _ := newTestGate(t)
	ctx := context.Background()
	sessionID := runningSession(t, store)

	decisionID, err := g.Open(ctx, sessionID, session.DecisionRequest{
		Kind:   session.DecisionResolveError,
		Prompt: "How should the missing sheet be handled?",
	})
	require.NoError(t, err)

	require.NoError(t, g.Submit(ctx, sessionID, decisionID, "skip that sheet"))
}

func TestGate_SecondOpenFailsFast(t *testing.T) {
	g, store, _ := newTestGate(t)
	ctx := context.Background()
	sessionID := runningSession(t, store)

	decisionID, err := g.Open(ctx, sessionID, fileChoice())
	require.NoError(t, err)

	_, err = g.Open(ctx, sessionID, fileChoice())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already pending")

	// The failed open must not disturb the first decision's waiter.
	require.NoError(t, g.Submit(ctx, sessionID, decisionID, "opt-1"))
	outcome, err := g.Await(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, "opt-1", outcome.Response)
}

func TestGate_OutcomeHeldUntilAwait(t *testing.T) {
	g, store, _ := newTestGate(t)
	ctx := context.Background()
	sessionID := runningSession(t, store)

	decisionID, err := g.Open(ctx, sessionID, fileChoice())
	require.NoError(t, err)

	// Resolve well before anyone awaits; the outcome must buffer.
	require.NoError(t, g.Submit(ctx, sessionID, decisionID, "opt-2"))

	outcome, err := g.Await(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, decisionID, outcome.DecisionID)
	assert.Equal(t, "opt-2", outcome.Response)

	// Consuming the outcome retires the waiter.
	_, err = g.Await(ctx, sessionID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no pending decision")
}

func TestGate_TimeoutAutoSelectsDefault(t *testing.T) {
	now := time.Now().UTC()
	clock := func() time.Time { return now }

	g, store, _ := newTestGate(t, withClock(clock))
	ctx := context.Background()
	sessionID := runningSession(t, store)

	req := fileChoice()
	req.DefaultOption = "opt-1"
	req.Timeout = 30 * time.Second

	decisionID, err := g.Open(ctx, sessionID, req)
	require.NoError(t, err)

	// Not yet expired.
	now = now.Add(10 * time.Second)
	g.sweep(ctx)
	st, err := store.Read(ctx, sessionID)
	require.NoError(t, err)
	assert.NotNil(t, st.PendingDecision)

	now = now.Add(25 * time.Second)
	g.sweep(ctx)

	st, err = store.Read(ctx, sessionID)
	require.NoError(t, err)
	assert.Nil(t, st.PendingDecision)
	assert.Equal(t, session.StatusRunning, st.Status)
	assert.Nil(t, st.Error)

	outcome, err := g.Await(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, decisionID, outcome.DecisionID)
	assert.Equal(t, "opt-1", outcome.Response)
	assert.True(t, outcome.Synthesized)
}

func TestGate_TimeoutWithoutDefaultErrors(t *testing.T) {
	now := time.Now().UTC()
	clock := func() time.Time { return now }

	g, store, _ := newTestGate(t, withClock(clock))
	ctx := context.Background()
	sessionID := runningSession(t, store)

	req := fileChoice()
	req.Timeout = 30 * time.Second

	decisionID, err := g.Open(ctx, sessionID, req)
	require.NoError(t, err)

	now = now.Add(time.Minute)
	g.sweep(ctx)

	st, err := store.Read(ctx, sessionID)
	require.NoError(t, err)
	assert.Nil(t, st.PendingDecision)
	require.NotNil(t, st.Error)
	assert.Equal(t, session.ErrKindUserTimeout, st.Error.Kind)
	assert.True(t, st.Error.Recoverable)

	outcome, err := g.Await(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, decisionID, outcome.DecisionID)
	assert.True(t, outcome.TimedOut)
}

func TestGate_AwaitWithoutDecision(t *testing.T) {
	g, store, _ := newTestGate(t)
	sessionID := runningSession(t, store)

	_, err := g.Await(context.Background(), sessionID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no pending decision")
}
