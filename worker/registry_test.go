package worker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/structhub/buildlens/brain"
	"github.com/structhub/buildlens/session"
)

// fakeWorker is a minimal Worker for registry and dispatch tests.
type fakeWorker struct {
	desc   Descriptor
	result *Result
	err    error
}

func (f *fakeWorker) Descriptor() Descriptor { return f.desc }

func (f *fakeWorker) Run(_ context.Context, _ *session.AppState, _ brain.Choice) (*Result, error) {
	return f.result, f.err
}

func namedWorker(name string, requires, produces []string) *fakeWorker {
	return &fakeWorker{desc: Descriptor{
		Name:     name,
		Requires: requires,
		Produces: produces,
	}}
}

func TestNewRegistry(t *testing.T) {
	reg, err := NewRegistry(
		namedWorker("file-reader", []string{session.FieldFiles}, []string{session.FieldProcessedFiles}),
		namedWorker("exporter", []string{session.FieldEstimate}, []string{session.FieldExportArtifacts}),
	)
	require.NoError(t, err)

	assert.Equal(t, []string{"file-reader", "exporter"}, reg.Names())

	w, err := reg.Get("file-reader")
	require.NoError(t, err)
	assert.Equal(t, "file-reader", w.Descriptor().Name)

	desc, err := reg.Descriptor("exporter")
	require.NoError(t, err)
	assert.Equal(t, []string{session.FieldEstimate}, desc.Requires)

	_, err = reg.Get("ghost")
	require.Error(t, err)
}

func TestNewRegistry_RejectsDuplicates(t *testing.T) {
	_, err := NewRegistry(
		namedWorker("takeoff", nil, []string{session.FieldTakeoffData}),
		namedWorker("takeoff", nil, []string{session.FieldTakeoffData}),
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestNewRegistry_RejectsUnknownFields(t *testing.T) {
	_, err := NewRegistry(namedWorker("mystery", []string{"astral_plane"}, nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown field")
}

func TestWrites_Fields(t *testing.T) {
	w := Writes{
		TradeMapping: []session.TradeMapping{{Trade: "electrical"}},
		Estimate:     &session.Estimate{Total: 100},
	}
	assert.ElementsMatch(t, []string{session.FieldTradeMapping, session.FieldEstimate}, w.Fields())

	assert.Empty(t, Writes{}.Fields())
}

func TestWrites_ApplyTo(t *testing.T) {
	st := &session.AppState{SessionID: "s-aaaa1111"}

	w := Writes{
		ScopeItems: []session.ScopeItem{{Trade: "plumbing", Item: "rough-in"}},
		Estimate:   &session.Estimate{Total: 4200},
	}
	w.ApplyTo(st)

	assert.Len(t, st.ScopeItems, 1)
	require.NotNil(t, st.Estimate)
	assert.Equal(t, 4200.0, st.Estimate.Total)
	assert.Nil(t, st.TakeoffData)
}
