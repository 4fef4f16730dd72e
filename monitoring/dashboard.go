package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/taskfabric/fabric/core"
)

// ChartKind selects how a panel renders its series.
type ChartKind string

const (
	ChartLine      ChartKind = "line"
	ChartBar       ChartKind = "bar"
	ChartPie       ChartKind = "pie"
	ChartMultiLine ChartKind = "multi-line"
)

// Panel is one chart on a dashboard: an aggregate query plus a chart kind.
// Multi-line panels run the query once per series filter.
type Panel struct {
	Title   string        `json:"title" yaml:"title"`
	Chart   ChartKind     `json:"chart" yaml:"chart"`
	Kind    SampleKind    `json:"kind" yaml:"kind"`
	Filter  Filter        `json:"filter" yaml:"filter"`
	Series  []Filter      `json:"series,omitempty" yaml:"series,omitempty"`
	Window  time.Duration `json:"window" yaml:"window"`
	Bucket  time.Duration `json:"bucket" yaml:"bucket"`
	Reducer Reducer       `json:"reducer" yaml:"reducer"`
}

// DashboardDescriptor is a named list of panels.
type DashboardDescriptor struct {
	ID     string  `json:"id" yaml:"id"`
	Title  string  `json:"title" yaml:"title"`
	Panels []Panel `json:"panels" yaml:"panels"`
}

// Validate rejects descriptors the generator cannot render.
func (d *DashboardDescriptor) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("%w: dashboard id is required", core.ErrInvalidConfiguration)
	}
	if len(d.Panels) == 0 {
		return fmt.Errorf("%w: dashboard %s has no panels", core.ErrInvalidConfiguration, d.ID)
	}
	for i, p := range d.Panels {
		switch p.Chart {
		case ChartLine, ChartBar, ChartPie, ChartMultiLine:
		default:
			return fmt.Errorf("%w: panel %d has unknown chart kind %q", core.ErrInvalidConfiguration, i, p.Chart)
		}
		if _, err := tableFor(p.Kind); err != nil {
			return err
		}
		if p.Bucket <= 0 || p.Window <= 0 {
			return fmt.Errorf("%w: panel %d needs a positive window and bucket", core.ErrInvalidConfiguration, i)
		}
		if p.Chart == ChartMultiLine && len(p.Series) == 0 {
			return fmt.Errorf("%w: panel %d is multi-line but has no series", core.ErrInvalidConfiguration, i)
		}
	}
	return nil
}

// panelData is the JSON blob embedded per panel for client rendering.
type panelData struct {
	Title  string             `json:"title"`
	Chart  ChartKind          `json:"chart"`
	Series map[string][]point `json:"series"`
}

type point struct {
	T int64   `json:"t"`
	V float64 `json:"v"`
}

var dashboardTemplate = template.Must(template.New("dashboard").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: sans-serif; margin: 2rem; background: #fafafa; }
.panel { background: #fff; border: 1px solid #ddd; border-radius: 4px; padding: 1rem; margin-bottom: 1.5rem; }
.panel h2 { margin-top: 0; font-size: 1rem; }
canvas { width: 100%; height: 240px; }
</style>
</head>
<body>
<h1>{{.Title}}</h1>
{{range $i, $p := .Panels}}
<div class="panel">
<h2>{{$p.Title}}</h2>
<canvas id="chart-{{$i}}" data-chart="{{$p.Chart}}"></canvas>
<script type="application/json" id="chart-{{$i}}-data">{{$p.JSON}}</script>
</div>
{{end}}
<script>
document.querySelectorAll("canvas").forEach(function (canvas) {
  var blob = JSON.parse(document.getElementById(canvas.id + "-data").textContent);
  var ctx = canvas.getContext("2d");
  ctx.fillStyle = "#888";
  ctx.fillText(blob.title + " (" + blob.chart + ", " +
    Object.keys(blob.series).length + " series)", 10, 20);
});
</script>
</body>
</html>
`))

// DashboardGenerator renders dashboard descriptors against the metrics
// store. Rendering is stateless; the generator also keeps a catalog of
// registered descriptors for the HTTP API.
type DashboardGenerator struct {
	store *MetricsStore

	mu          sync.RWMutex
	descriptors map[string]DashboardDescriptor
}

// NewDashboardGenerator creates a generator over the store.
func NewDashboardGenerator(store *MetricsStore) *DashboardGenerator {
	return &DashboardGenerator{
		store:       store,
		descriptors: make(map[string]DashboardDescriptor),
	}
}

// RegisterDashboard adds or replaces a descriptor in the catalog.
func (g *DashboardGenerator) RegisterDashboard(desc DashboardDescriptor) error {
	if err := desc.Validate(); err != nil {
		return err
	}
	g.mu.Lock()
	g.descriptors[desc.ID] = desc
	g.mu.Unlock()
	return nil
}

// List returns registered descriptors sorted by id.
func (g *DashboardGenerator) List() []DashboardDescriptor {
	g.mu.RLock()
	out := make([]DashboardDescriptor, 0, len(g.descriptors))
	for _, d := range g.descriptors {
		out = append(out, d)
	}
	g.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Render generates the HTML for a registered dashboard.
func (g *DashboardGenerator) Render(ctx context.Context, id string) (string, error) {
	g.mu.RLock()
	desc, ok := g.descriptors[id]
	g.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: dashboard %s", core.ErrNotFound, id)
	}
	return g.Generate(ctx, &desc)
}

// Generate renders a descriptor into a self-contained HTML document with
// one embedded JSON data blob per panel. Output is deterministic for a
// fixed descriptor and metric snapshot.
func (g *DashboardGenerator) Generate(ctx context.Context, desc *DashboardDescriptor) (string, error) {
	if err := desc.Validate(); err != nil {
		return "", err
	}

	type renderedPanel struct {
		Title string
		Chart ChartKind
		JSON  template.JS
	}
	page := struct {
		Title  string
		Panels []renderedPanel
	}{Title: desc.Title}
	if page.Title == "" {
		page.Title = desc.ID
	}

	now := time.Now()
	for _, p := range desc.Panels {
		data := panelData{Title: p.Title, Chart: p.Chart, Series: make(map[string][]point)}

		series := p.Series
		if len(series) == 0 {
			series = []Filter{p.Filter}
		}
		for _, filter := range series {
			window := Window{From: now.Add(-p.Window), To: now}
			buckets, err := g.store.Aggregate(ctx, p.Kind, filter, window, p.Bucket, p.Reducer)
			if err != nil {
				return "", err
			}
			points := make([]point, 0, len(buckets))
			for _, b := range buckets {
				points = append(points, point{T: b.BucketStart.UnixMilli(), V: b.Value})
			}
			data.Series[seriesLabel(filter)] = points
		}

		blob, err := json.Marshal(data)
		if err != nil {
			return "", fmt.Errorf("encoding panel data: %w", err)
		}
		page.Panels = append(page.Panels, renderedPanel{
			Title: p.Title,
			Chart: p.Chart,
			JSON:  template.JS(blob),
		})
	}

	var buf strings.Builder
	if err := dashboardTemplate.Execute(&buf, page); err != nil {
		return "", fmt.Errorf("rendering dashboard: %w", err)
	}
	return buf.String(), nil
}

func seriesLabel(f Filter) string {
	var parts []string
	if f.Component != "" {
		parts = append(parts, f.Component)
	}
	if f.Name != "" {
		parts = append(parts, f.Name)
	}
	keys := make([]string, 0, len(f.Tags))
	for k := range f.Tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, k+"="+f.Tags[k])
	}
	if len(parts) == 0 {
		return "all"
	}
	return strings.Join(parts, " ")
}
