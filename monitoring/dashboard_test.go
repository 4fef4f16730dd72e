package monitoring

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskfabric/fabric/core"
)

func sampleDashboard() DashboardDescriptor {
	return DashboardDescriptor{
		ID:    "overview",
		Title: "Fabric Overview",
		Panels: []Panel{
			{
				Title:   "Resolve latency",
				Chart:   ChartLine,
				Kind:    KindPerformance,
				Filter:  Filter{Component: "echo"},
				Window:  time.Hour,
				Bucket:  time.Minute,
				Reducer: ReduceAvg,
			},
			{
				Title:   "Latency by resolver",
				Chart:   ChartMultiLine,
				Kind:    KindPerformance,
				Series:  []Filter{{Component: "echo"}, {Component: "other"}},
				Window:  time.Hour,
				Bucket:  time.Minute,
				Reducer: ReduceP95,
			},
		},
	}
}

func TestDescriptorValidate(t *testing.T) {
	desc := sampleDashboard()
	require.NoError(t, desc.Validate())

	tests := []struct {
		name   string
		mutate func(*DashboardDescriptor)
	}{
		{"missing id", func(d *DashboardDescriptor) { d.ID = "" }},
		{"no panels", func(d *DashboardDescriptor) { d.Panels = nil }},
		{"bad chart", func(d *DashboardDescriptor) { d.Panels[0].Chart = "scatter" }},
		{"bad kind", func(d *DashboardDescriptor) { d.Panels[0].Kind = "bogus" }},
		{"zero bucket", func(d *DashboardDescriptor) { d.Panels[0].Bucket = 0 }},
		{"multi-line without series", func(d *DashboardDescriptor) { d.Panels[1].Series = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := sampleDashboard()
			tt.mutate(&d)
			assert.ErrorIs(t, d.Validate(), core.ErrInvalidConfiguration)
		})
	}
}

func TestGenerateEmbedsPanelData(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Append(Sample{
		Kind: KindPerformance, Name: "resolve", Component: "echo", Value: 42,
	}))
	store.Flush()

	g := NewDashboardGenerator(store)
	desc := sampleDashboard()
	html, err := g.Generate(context.Background(), &desc)
	require.NoError(t, err)

	assert.Contains(t, html, "<title>Fabric Overview</title>")
	assert.Contains(t, html, "Resolve latency")
	assert.Contains(t, html, `id="chart-0-data"`)
	assert.Contains(t, html, `id="chart-1-data"`)
	assert.Contains(t, html, `"chart":"multi-line"`)
	assert.Contains(t, html, `"v":42`)
}

func TestGenerateIsDeterministic(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Append(Sample{
		Kind: KindPerformance, Name: "resolve", Component: "echo", Value: 10,
	}))
	store.Flush()

	g := NewDashboardGenerator(store)
	desc := sampleDashboard()
	ctx := context.Background()

	first, err := g.Generate(ctx, &desc)
	require.NoError(t, err)
	second, err := g.Generate(ctx, &desc)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestDashboardCatalog(t *testing.T) {
	store := newTestStore(t)
	g := NewDashboardGenerator(store)

	require.NoError(t, g.RegisterDashboard(sampleDashboard()))
	assert.ErrorIs(t, g.RegisterDashboard(DashboardDescriptor{}), core.ErrInvalidConfiguration)

	list := g.List()
	require.Len(t, list, 1)
	assert.Equal(t, "overview", list[0].ID)

	html, err := g.Render(context.Background(), "overview")
	require.NoError(t, err)
	assert.Contains(t, html, "Fabric Overview")

	_, err = g.Render(context.Background(), "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestSeriesLabel(t *testing.T) {
	assert.Equal(t, "all", seriesLabel(Filter{}))
	assert.Equal(t, "echo resolve", seriesLabel(Filter{Component: "echo", Name: "resolve"}))
	assert.Equal(t, "a=1 b=2", seriesLabel(Filter{Tags: map[string]string{"b": "2", "a": "1"}}))
}
