// Command serversync-bench measures join and update latency of config
// sync with many clients against one in-process server.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"math"
	"net"
	"net/http"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vango-dev/serversync/pkg/codec"
	"github.com/vango-dev/serversync/pkg/configsync"
	"github.com/vango-dev/serversync/pkg/metrics"
	"github.com/vango-dev/serversync/pkg/node"
	"github.com/vango-dev/serversync/pkg/settings"
	"github.com/vango-dev/serversync/pkg/transport"
)

type profile struct {
	Name         string
	Clients      int
	Duration     time.Duration
	RPS          float64
	ListSize     int
	PayloadBytes int
}

var profiles = map[string]profile{
	"fast": {
		Name:         "fast",
		Clients:      20,
		Duration:     5 * time.Second,
		RPS:          5,
		ListSize:     100,
		PayloadBytes: 32,
	},
	"standard": {
		Name:         "standard",
		Clients:      100,
		Duration:     15 * time.Second,
		RPS:          10,
		ListSize:     2_000,
		PayloadBytes: 64,
	},
	// Snapshots well above one slice, so every join is fragmented.
	"fragmented": {
		Name:         "fragmented",
		Clients:      50,
		Duration:     15 * time.Second,
		RPS:          5,
		ListSize:     20_000,
		PayloadBytes: 64,
	},
}

type benchConfig struct {
	Profile      string
	Clients      int
	Duration     time.Duration
	RPS          float64
	ListSize     int
	PayloadBytes int
	JoinTimeout  time.Duration
	JSONOutput   string
}

const registryName = "bench"

func main() {
	log.SetFlags(0)

	cfg, err := parseConfig()
	if err != nil {
		log.Fatal(err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := prometheus.NewRegistry()
	m := metrics.New(metrics.WithRegistry(reg))

	server, err := newPeer(node.Config{Name: "bench-server", Server: true}, cfg, logger, m)
	if err != nil {
		log.Fatalf("server: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.node.Run(ctx)

	srv := transport.NewServer(server.node.TransportHandler(), nil,
		transport.WithLogger(logger), transport.WithDropObserver(m))
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		log.Fatalf("listen: %v", err)
	}
	httpServer := &http.Server{Handler: srv.Routes(nil)}
	go func() {
		_ = httpServer.Serve(ln)
	}()
	defer func() {
		srv.Shutdown()
		_ = httpServer.Shutdown(context.Background())
	}()
	url := "http://" + ln.Addr().String() + "/sync"

	joins := newSamples()
	updates := newSamples()
	var sentAt sync.Map // int64 sequence -> time.Time
	var updating atomic.Bool
	var errCount atomic.Uint64

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < cfg.Clients; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if err := runClient(ctx, url, id, cfg, logger, joins, updates, &sentAt, &updating); err != nil {
				errCount.Add(1)
			}
		}(i)
	}

	if !waitForJoins(joins, cfg) {
		log.Printf("join timeout: %d of %d clients synced", joins.len(), cfg.Clients)
	}

	updating.Store(true)
	runUpdates(ctx, server, cfg, &sentAt)
	// Give the last update time to arrive.
	time.Sleep(200 * time.Millisecond)
	elapsed := time.Since(start)

	cancel()
	wg.Wait()

	report := buildReport(cfg, elapsed, joins.sorted(), updates.sorted(), errCount.Load(), reg)
	writeSummary(os.Stderr, report)
	if err := writeJSON(cfg.JSONOutput, report); err != nil {
		log.Fatalf("write json: %v", err)
	}
}

func parseConfig() (benchConfig, error) {
	profileFlag := flag.String("profile", "standard", "profile: fast|standard|fragmented")
	clientsFlag := flag.Int("clients", -1, "number of concurrent clients")
	durationFlag := flag.String("duration", "", "update phase duration, e.g. 30s")
	rpsFlag := flag.Float64("rps", -1, "server updates per second")
	listFlag := flag.Int("list", -1, "items in the synchronized list")
	payloadFlag := flag.Int("payload-bytes", -1, "bytes per list item")
	joinFlag := flag.Duration("join-timeout", 30*time.Second, "time allowed for every client to sync")
	jsonFlag := flag.String("json", "-", "JSON output path ('-' for stdout)")
	flag.Parse()

	name := strings.ToLower(strings.TrimSpace(*profileFlag))
	base, ok := profiles[name]
	if !ok {
		return benchConfig{}, fmt.Errorf("unknown profile %q", name)
	}

	cfg := benchConfig{
		Profile:      base.Name,
		Clients:      base.Clients,
		Duration:     base.Duration,
		RPS:          base.RPS,
		ListSize:     base.ListSize,
		PayloadBytes: base.PayloadBytes,
		JoinTimeout:  *joinFlag,
		JSONOutput:   strings.TrimSpace(*jsonFlag),
	}
	if *clientsFlag != -1 {
		cfg.Clients = *clientsFlag
	}
	if *durationFlag != "" {
		d, err := time.ParseDuration(*durationFlag)
		if err != nil {
			return benchConfig{}, fmt.Errorf("invalid -duration: %w", err)
		}
		cfg.Duration = d
	}
	if *rpsFlag != -1 {
		cfg.RPS = *rpsFlag
	}
	if *listFlag != -1 {
		cfg.ListSize = *listFlag
	}
	if *payloadFlag != -1 {
		cfg.PayloadBytes = *payloadFlag
	}
	if cfg.JSONOutput == "" {
		cfg.JSONOutput = "-"
	}

	if cfg.Clients <= 0 {
		return benchConfig{}, errors.New("-clients must be > 0")
	}
	if cfg.Duration <= 0 {
		return benchConfig{}, errors.New("-duration must be > 0")
	}
	if cfg.RPS <= 0 {
		return benchConfig{}, errors.New("-rps must be > 0")
	}
	if cfg.ListSize < 0 {
		return benchConfig{}, errors.New("-list must be >= 0")
	}
	if cfg.PayloadBytes <= 0 {
		return benchConfig{}, errors.New("-payload-bytes must be > 0")
	}
	return cfg, nil
}

// peer is one node with the bench registry: a large list and a counter.
type peer struct {
	node     *node.Node
	registry *configsync.Registry
	items    *settings.Field
	counter  *settings.Field
}

func newPeer(nc node.Config, cfg benchConfig, logger *slog.Logger, m *metrics.Metrics) (*peer, error) {
	opts := []node.Option{node.WithLogger(logger)}
	if m != nil {
		opts = append(opts, node.WithMetrics(m))
	}
	n := node.New(nc, opts...)
	store := settings.New(nil, settings.WithLogger(logger), settings.WithInterceptor(n.Manager()))

	var list []any
	if nc.Server {
		list = makeItems(cfg.ListSize, cfg.PayloadBytes)
	}
	items, err := store.Define("Bench", "Items", codec.List{Elem: codec.StringShape}, list, "")
	if err != nil {
		return nil, err
	}
	counter, err := store.Define("Bench", "Counter", codec.Int64Shape, int64(0), "")
	if err != nil {
		return nil, err
	}

	reg, err := n.Manager().NewRegistry(configsync.Options{
		Name:           registryName,
		CurrentVersion: "1.0.0",
		ModRequired:    true,
	})
	if err != nil {
		return nil, err
	}
	if _, err := reg.AddField(items); err != nil {
		return nil, err
	}
	if _, err := reg.AddField(counter); err != nil {
		return nil, err
	}
	return &peer{node: n, registry: reg, items: items, counter: counter}, nil
}

func makeItems(n, size int) []any {
	out := make([]any, n)
	for i := range out {
		s := fmt.Sprintf("item-%08d-", i)
		for len(s) < size {
			s += string(rune('a' + (len(s)+i)%26))
		}
		out[i] = s[:size]
	}
	return out
}

func runClient(
	ctx context.Context,
	url string,
	id int,
	cfg benchConfig,
	logger *slog.Logger,
	joins, updates *samples,
	sentAt *sync.Map,
	updating *atomic.Bool,
) error {
	p, err := newPeer(node.Config{Name: fmt.Sprintf("client-%d", id)}, cfg, logger, nil)
	if err != nil {
		return err
	}

	dialed := time.Now()
	joined := false
	p.registry.OnSourceOfTruthChanged(func(sourceOfTruth bool) {
		if !sourceOfTruth && !joined {
			joined = true
			joins.add(time.Since(dialed))
		}
	})
	p.counter.OnChange(func() {
		if !updating.Load() {
			return
		}
		seq, _ := p.counter.Value().(int64)
		if t, ok := sentAt.Load(seq); ok {
			updates.add(time.Since(t.(time.Time)))
		}
	})

	done := make(chan struct{})
	go func() {
		p.node.Run(ctx)
		close(done)
	}()
	defer func() { <-done }()

	conn, err := transport.Dial(ctx, url, fmt.Sprintf("client-%d", id), p.node.TransportHandler(), nil,
		transport.WithLogger(logger))
	if err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return nil
	case <-conn.Done():
		if ctx.Err() != nil {
			return nil
		}
		return errors.New("disconnected")
	}
}

// waitForJoins reports whether every client synced within the join
// timeout.
func waitForJoins(joins *samples, cfg benchConfig) bool {
	deadline := time.Now().Add(cfg.JoinTimeout)
	for joins.len() < cfg.Clients {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
	return true
}

func runUpdates(ctx context.Context, server *peer, cfg benchConfig, sentAt *sync.Map) {
	ticker := time.NewTicker(time.Duration(float64(time.Second) / cfg.RPS))
	defer ticker.Stop()
	stop := time.After(cfg.Duration)

	var seq int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			seq++
			sentAt.Store(seq, time.Now())
			v := seq
			_ = server.node.Do(ctx, func() {
				_ = server.counter.SetValue(v)
			})
		}
	}
}

type samples struct {
	mu sync.Mutex
	d  []time.Duration
}

func newSamples() *samples {
	return &samples{}
}

func (s *samples) add(d time.Duration) {
	s.mu.Lock()
	s.d = append(s.d, d)
	s.mu.Unlock()
}

func (s *samples) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.d)
}

func (s *samples) sorted() []time.Duration {
	s.mu.Lock()
	out := append([]time.Duration(nil), s.d...)
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := int(math.Ceil(float64(len(sorted))*p)) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

type benchReport struct {
	Version  string       `json:"version"`
	Run      runInfo      `json:"run"`
	Workload workloadInfo `json:"workload"`
	JoinMS   latencyInfo  `json:"join_ms"`
	UpdateMS latencyInfo  `json:"update_ms"`
	Protocol protocolInfo `json:"protocol"`
	Errors   uint64       `json:"errors"`
}

type runInfo struct {
	Timestamp string `json:"timestamp"`
	Go        string `json:"go"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	CPUCount  int    `json:"cpu_count"`
	ElapsedMS int64  `json:"elapsed_ms"`
}

type workloadInfo struct {
	Profile      string  `json:"profile"`
	Clients      int     `json:"clients"`
	DurationMS   int64   `json:"duration_ms"`
	RPS          float64 `json:"rps"`
	ListSize     int     `json:"list_size"`
	PayloadBytes int     `json:"payload_bytes"`
}

type latencyInfo struct {
	Samples int     `json:"samples"`
	Min     float64 `json:"min"`
	P50     float64 `json:"p50"`
	P95     float64 `json:"p95"`
	P99     float64 `json:"p99"`
	Max     float64 `json:"max"`
}

type protocolInfo struct {
	PackagesSent  map[string]float64 `json:"packages_sent"`
	FragmentsSent float64            `json:"fragments_sent"`
	BytesSent     float64            `json:"bytes_sent"`
}

func latency(sorted []time.Duration) latencyInfo {
	if len(sorted) == 0 {
		return latencyInfo{}
	}
	return latencyInfo{
		Samples: len(sorted),
		Min:     ms(sorted[0]),
		P50:     ms(percentile(sorted, 0.50)),
		P95:     ms(percentile(sorted, 0.95)),
		P99:     ms(percentile(sorted, 0.99)),
		Max:     ms(sorted[len(sorted)-1]),
	}
}

func buildReport(cfg benchConfig, elapsed time.Duration, joins, updates []time.Duration, errs uint64, reg *prometheus.Registry) benchReport {
	report := benchReport{
		Version: "1",
		Run: runInfo{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			Go:        runtime.Version(),
			OS:        runtime.GOOS,
			Arch:      runtime.GOARCH,
			CPUCount:  runtime.NumCPU(),
			ElapsedMS: elapsed.Milliseconds(),
		},
		Workload: workloadInfo{
			Profile:      cfg.Profile,
			Clients:      cfg.Clients,
			DurationMS:   cfg.Duration.Milliseconds(),
			RPS:          cfg.RPS,
			ListSize:     cfg.ListSize,
			PayloadBytes: cfg.PayloadBytes,
		},
		JoinMS:   latency(joins),
		UpdateMS: latency(updates),
		Protocol: protocolInfo{PackagesSent: map[string]float64{}},
		Errors:   errs,
	}

	families, err := reg.Gather()
	if err != nil {
		return report
	}
	for _, mf := range families {
		switch mf.GetName() {
		case "serversync_packages_sent_total":
			for _, m := range mf.GetMetric() {
				for _, l := range m.GetLabel() {
					if l.GetName() == "kind" {
						report.Protocol.PackagesSent[l.GetValue()] += m.GetCounter().GetValue()
					}
				}
			}
		case "serversync_fragments_sent_total":
			for _, m := range mf.GetMetric() {
				report.Protocol.FragmentsSent += m.GetCounter().GetValue()
			}
		case "serversync_package_bytes":
			for _, m := range mf.GetMetric() {
				for _, l := range m.GetLabel() {
					if l.GetName() == "direction" && l.GetValue() == "sent" {
						report.Protocol.BytesSent += m.GetHistogram().GetSampleSum()
					}
				}
			}
		}
	}
	return report
}

func writeSummary(w io.Writer, report benchReport) {
	fmt.Fprintln(w, "=== serversync benchmark ===")
	fmt.Fprintf(w, "Profile: %s\n", report.Workload.Profile)
	fmt.Fprintf(w, "Clients: %d\n", report.Workload.Clients)
	fmt.Fprintf(w, "Update phase: %s at %.1f updates/s\n",
		time.Duration(report.Workload.DurationMS)*time.Millisecond, report.Workload.RPS)
	fmt.Fprintf(w, "Snapshot list: %d items x %d bytes\n", report.Workload.ListSize, report.Workload.PayloadBytes)
	fmt.Fprintf(w, "Errors: %d\n", report.Errors)
	fmt.Fprintln(w)

	printLatency(w, "Join (dial -> snapshot applied):", report.JoinMS)
	printLatency(w, "Update (server set -> client applied):", report.UpdateMS)

	fmt.Fprintln(w, "Protocol (server and clients):")
	kinds := make([]string, 0, len(report.Protocol.PackagesSent))
	for k := range report.Protocol.PackagesSent {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		fmt.Fprintf(w, "  %s packages: %.0f\n", k, report.Protocol.PackagesSent[k])
	}
	fmt.Fprintf(w, "  fragments: %.0f\n", report.Protocol.FragmentsSent)
	fmt.Fprintf(w, "  bytes:     %.0f\n", report.Protocol.BytesSent)
}

func printLatency(w io.Writer, title string, l latencyInfo) {
	fmt.Fprintln(w, title)
	if l.Samples == 0 {
		fmt.Fprintln(w, "  no samples recorded")
		fmt.Fprintln(w)
		return
	}
	fmt.Fprintf(w, "  samples: %d\n", l.Samples)
	fmt.Fprintf(w, "  min: %.2f ms\n", l.Min)
	fmt.Fprintf(w, "  p50: %.2f ms\n", l.P50)
	fmt.Fprintf(w, "  p95: %.2f ms\n", l.P95)
	fmt.Fprintf(w, "  p99: %.2f ms\n", l.P99)
	fmt.Fprintf(w, "  max: %.2f ms\n", l.Max)
	fmt.Fprintln(w)
}

func writeJSON(path string, report benchReport) error {
	var out io.Writer
	if path == "-" {
		out = os.Stdout
	} else {
		file, err := os.Create(path)
		if err != nil {
			return err
		}
		defer file.Close()
		out = file
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
