package stages

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/marmos91/dittoudp/pkg/pipeline"
	xdr "github.com/rasky/go-xdr/xdr2"
	"gopkg.in/yaml.v3"
)

// Stats output formats.
const (
	FormatText = "text"
	FormatYAML = "yaml"
	FormatXDR  = "xdr"
)

// StatsOptions configures the stats stage.
type StatsOptions struct {
	// Path to answer on. Default: /stats
	Path string `mapstructure:"path"`

	// Format used when the request has no format parameter. Default: text
	Format string `mapstructure:"format"`
}

// Stats reports server counters. The request may pick a format with
// ?format=text|yaml|xdr.
type Stats struct {
	name  string
	opts  StatsOptions
	stats func() pipeline.ServerStats
}

// NewStats is the stats stage factory.
func NewStats(_ context.Context, def pipeline.Definition, env pipeline.Env) (pipeline.Stage, error) {
	opts := StatsOptions{Path: "/stats", Format: FormatText}
	if err := pipeline.DecodeOptions(def.Options, &opts); err != nil {
		return nil, err
	}
	if !validStatsFormat(opts.Format) {
		return nil, fmt.Errorf("stats: unsupported format %q", opts.Format)
	}
	if env.Stats == nil {
		return nil, fmt.Errorf("stats: server statistics are not available")
	}
	opts.Path = normalizePath(opts.Path, "/stats")
	return &Stats{name: def.Name, opts: opts, stats: env.Stats}, nil
}

func validStatsFormat(f string) bool {
	return f == FormatText || f == FormatYAML || f == FormatXDR
}

func (s *Stats) Name() string { return s.name }

func (s *Stats) Handle(ctx context.Context, c *pipeline.Context, chain *pipeline.Chain) (bool, error) {
	if c.Path() != s.opts.Path {
		return chain.Next(ctx, c)
	}

	format := strings.ToLower(c.Param("format"))
	if format == "" {
		format = s.opts.Format
	}
	if !validStatsFormat(format) {
		return reply(c, ReplyError+" unsupported format")
	}

	body, err := EncodeStats(s.stats(), format)
	if err != nil {
		return false, err
	}

	c.ResetReply()
	_, err = c.Write(body)
	return false, err
}

// statsView is the text and yaml shape of pipeline.ServerStats.
type statsView struct {
	OpenHandles int            `yaml:"open_handles"`
	Datagrams   uint64         `yaml:"datagrams"`
	Rejected    uint64         `yaml:"rejected"`
	ReadErrors  uint64         `yaml:"read_errors"`
	Uptime      string         `yaml:"uptime"`
	Outcomes    map[string]int `yaml:"outcomes,omitempty"`
	Pools       []poolView     `yaml:"pools,omitempty"`
}

type poolView struct {
	Name       string `yaml:"name"`
	Workers    int    `yaml:"workers"`
	QueueSize  int    `yaml:"queue_size"`
	QueueDepth int    `yaml:"queue_depth"`
	Submitted  int64  `yaml:"submitted"`
	Processed  int64  `yaml:"processed"`
	Rejected   int64  `yaml:"rejected"`
	Panics     int64  `yaml:"panics"`
}

// StatsXDR is the xdr wire shape. Outcomes are sorted by name.
type StatsXDR struct {
	OpenHandles uint32
	Datagrams   uint64
	Rejected    uint64
	ReadErrors  uint64
	UptimeMs    uint64
	Outcomes    []OutcomeXDR
	Pools       []PoolXDR
}

type OutcomeXDR struct {
	Name  string
	Count uint32
}

type PoolXDR struct {
	Name       string
	Workers    uint32
	QueueSize  uint32
	QueueDepth uint32
	Submitted  uint64
	Processed  uint64
	Rejected   uint64
	Panics     uint64
}

// EncodeStats renders st in the given format.
func EncodeStats(st pipeline.ServerStats, format string) ([]byte, error) {
	switch format {
	case FormatText:
		return encodeStatsText(st), nil
	case FormatYAML:
		return yaml.Marshal(toStatsView(st))
	case FormatXDR:
		var buf bytes.Buffer
		if _, err := xdr.Marshal(&buf, toStatsXDR(st)); err != nil {
			return nil, fmt.Errorf("encode stats: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unsupported stats format %q", format)
	}
}

func toStatsView(st pipeline.ServerStats) statsView {
	v := statsView{
		OpenHandles: st.OpenHandles,
		Datagrams:   st.Datagrams,
		Rejected:    st.Rejected,
		ReadErrors:  st.ReadErrors,
		Uptime:      st.Uptime.Truncate(time.Millisecond).String(),
		Outcomes:    st.Outcomes,
	}
	for _, p := range st.Pools {
		v.Pools = append(v.Pools, poolView(p))
	}
	return v
}

func toStatsXDR(st pipeline.ServerStats) *StatsXDR {
	x := &StatsXDR{
		OpenHandles: uint32(max(st.OpenHandles, 0)),
		Datagrams:   st.Datagrams,
		Rejected:    st.Rejected,
		ReadErrors:  st.ReadErrors,
		UptimeMs:    uint64(st.Uptime.Milliseconds()),
		Outcomes:    []OutcomeXDR{},
		Pools:       []PoolXDR{},
	}
	for _, name := range sortedOutcomes(st.Outcomes) {
		x.Outcomes = append(x.Outcomes, OutcomeXDR{Name: name, Count: uint32(st.Outcomes[name])})
	}
	for _, p := range st.Pools {
		x.Pools = append(x.Pools, PoolXDR{
			Name:       p.Name,
			Workers:    uint32(p.Workers),
			QueueSize:  uint32(p.QueueSize),
			QueueDepth: uint32(p.QueueDepth),
			Submitted:  uint64(p.Submitted),
			Processed:  uint64(p.Processed),
			Rejected:   uint64(p.Rejected),
			Panics:     uint64(p.Panics),
		})
	}
	return x
}

func encodeStatsText(st pipeline.ServerStats) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "open_handles=%d\n", st.OpenHandles)
	fmt.Fprintf(&b, "datagrams=%d\n", st.Datagrams)
	fmt.Fprintf(&b, "rejected=%d\n", st.Rejected)
	fmt.Fprintf(&b, "read_errors=%d\n", st.ReadErrors)
	fmt.Fprintf(&b, "uptime=%s\n", st.Uptime.Truncate(time.Millisecond))
	for _, name := range sortedOutcomes(st.Outcomes) {
		fmt.Fprintf(&b, "outcome.%s=%d\n", name, st.Outcomes[name])
	}
	for _, p := range st.Pools {
		fmt.Fprintf(&b, "pool.%s.queue_depth=%d/%d\n", p.Name, p.QueueDepth, p.QueueSize)
		fmt.Fprintf(&b, "pool.%s.rejected=%d\n", p.Name, p.Rejected)
	}
	return []byte(b.String())
}

func sortedOutcomes(m map[string]int) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
