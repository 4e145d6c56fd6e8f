package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/conveyor/conveyor/pkg/pipeline"
)

var (
	inSocket  = []pipeline.Socket{{ID: "in"}}
	outSocket = []pipeline.Socket{{ID: "out"}}
)

// mockSource emits total items, at most its shipment size per invocation.
type mockSource struct {
	name  string
	total int

	mu       sync.Mutex
	size     int
	emitted  int
	produced []*pipeline.Item
}

func newMockSource(name string, total int) *mockSource {
	return &mockSource{name: name, total: total}
}

func (s *mockSource) Name() string               { return s.name }
func (s *mockSource) Inputs() []pipeline.Socket  { return nil }
func (s *mockSource) Outputs() []pipeline.Socket { return outSocket }

func (s *mockSource) MaxShipmentSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

func (s *mockSource) SetMaxShipmentSize(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.size = n
}

func (s *mockSource) Execute(ctx context.Context, _ pipeline.Inputs) (pipeline.Outputs, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := pipeline.Outputs{}
	for i := 0; i < s.size && s.emitted < s.total; i++ {
		it := pipeline.NewItem([]byte(fmt.Sprintf("%s-%d", s.name, s.emitted)), pipeline.Metadata{"seq": s.emitted})
		s.produced = append(s.produced, it)
		out.Add("out", it)
		s.emitted++
	}
	return out, nil
}

func (s *mockSource) items() []*pipeline.Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*pipeline.Item(nil), s.produced...)
}

// blockingSource never produces; it waits for cancellation.
type blockingSource struct {
	name    string
	started chan struct{}
	once    sync.Once
}

func newBlockingSource(name string) *blockingSource {
	return &blockingSource{name: name, started: make(chan struct{})}
}

func (s *blockingSource) Name() string               { return s.name }
func (s *blockingSource) Inputs() []pipeline.Socket  { return nil }
func (s *blockingSource) Outputs() []pipeline.Socket { return outSocket }

func (s *blockingSource) Execute(ctx context.Context, _ pipeline.Inputs) (pipeline.Outputs, error) {
	s.once.Do(func() { close(s.started) })
	<-ctx.Done()
	return nil, ctx.Err()
}

// passStage forwards every input item unchanged.
type passStage struct {
	name string
}

func (s *passStage) Name() string               { return s.name }
func (s *passStage) Inputs() []pipeline.Socket  { return inSocket }
func (s *passStage) Outputs() []pipeline.Socket { return outSocket }

func (s *passStage) Execute(_ context.Context, in pipeline.Inputs) (pipeline.Outputs, error) {
	return pipeline.Outputs{"out": in["in"]}, nil
}

// tagStage stamps its name on every item it forwards.
type tagStage struct {
	name string
}

func (s *tagStage) Name() string               { return s.name }
func (s *tagStage) Inputs() []pipeline.Socket  { return inSocket }
func (s *tagStage) Outputs() []pipeline.Socket { return outSocket }

func (s *tagStage) Execute(_ context.Context, in pipeline.Inputs) (pipeline.Outputs, error) {
	for _, it := range in["in"] {
		it.(*pipeline.Item).Set("owner", s.name)
	}
	return pipeline.Outputs{"out": in["in"]}, nil
}

// joinStage forwards its left input and consumes its right input.
type joinStage struct {
	name string
}

func (s *joinStage) Name() string { return s.name }
func (s *joinStage) Inputs() []pipeline.Socket {
	return []pipeline.Socket{{ID: "left"}, {ID: "right"}}
}
func (s *joinStage) Outputs() []pipeline.Socket { return outSocket }

func (s *joinStage) Execute(_ context.Context, in pipeline.Inputs) (pipeline.Outputs, error) {
	return pipeline.Outputs{"out": in["left"]}, nil
}

// failStage fails every invocation.
type failStage struct {
	name string
	err  error
}

func (s *failStage) Name() string               { return s.name }
func (s *failStage) Inputs() []pipeline.Socket  { return inSocket }
func (s *failStage) Outputs() []pipeline.Socket { return outSocket }

func (s *failStage) Execute(context.Context, pipeline.Inputs) (pipeline.Outputs, error) {
	return nil, s.err
}

// panicStage panics on every invocation.
type panicStage struct {
	name string
}

func (s *panicStage) Name() string               { return s.name }
func (s *panicStage) Inputs() []pipeline.Socket  { return inSocket }
func (s *panicStage) Outputs() []pipeline.Socket { return outSocket }

func (s *panicStage) Execute(context.Context, pipeline.Inputs) (pipeline.Outputs, error) {
	panic("bad stage")
}

// sleepStage sleeps for delay. If stubborn it ignores cancellation.
type sleepStage struct {
	name     string
	delay    time.Duration
	stubborn bool
}

func (s *sleepStage) Name() string               { return s.name }
func (s *sleepStage) Inputs() []pipeline.Socket  { return inSocket }
func (s *sleepStage) Outputs() []pipeline.Socket { return outSocket }

func (s *sleepStage) Execute(ctx context.Context, in pipeline.Inputs) (pipeline.Outputs, error) {
	if s.stubborn {
		time.Sleep(s.delay)
		return pipeline.Outputs{"out": in["in"]}, nil
	}
	select {
	case <-time.After(s.delay):
		return pipeline.Outputs{"out": in["in"]}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// collector is a sink that records what it receives.
type collector struct {
	name string

	mu          sync.Mutex
	ids         []string
	owners      []string
	invocations int
}

func newCollector(name string) *collector {
	return &collector{name: name}
}

func (c *collector) Name() string               { return c.name }
func (c *collector) Inputs() []pipeline.Socket  { return inSocket }
func (c *collector) Outputs() []pipeline.Socket { return nil }

func (c *collector) Execute(_ context.Context, in pipeline.Inputs) (pipeline.Outputs, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invocations++
	for _, it := range in["in"] {
		c.ids = append(c.ids, it.ID())
		if owner, ok := it.Metadata()["owner"].(string); ok {
			c.owners = append(c.owners, owner)
		}
	}
	return nil, nil
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ids)
}

func (c *collector) received() ([]string, []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ids...), append([]string(nil), c.owners...)
}

var errIntentional = errors.New("Intentional Failure")

// buildGraph adds stages and connections given as "src.socket->dst.socket".
func buildGraph(t *testing.T, stages []pipeline.Stage, conns ...[4]string) *pipeline.Graph {
	t.Helper()
	b := pipeline.NewBuilder()
	for _, s := range stages {
		if err := b.AddStage(s); err != nil {
			t.Fatalf("failed to add stage: %v", err)
		}
	}
	for _, c := range conns {
		if err := b.Connect(c[0], c[1], c[2], c[3]); err != nil {
			t.Fatalf("failed to connect: %v", err)
		}
	}
	g, err := b.Freeze()
	if err != nil {
		t.Fatalf("failed to freeze graph: %v", err)
	}
	return g
}

func link(src, dst string) [4]string {
	return [4]string{src, "out", dst, "in"}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxDegreeOfParallelism = 4
	cfg.WatchdogTimeoutSeconds = 5
	cfg.EnableGcThrottling = false
	return cfg
}

func newTestExecutor(t *testing.T, cfg Config) *Executor {
	t.Helper()
	exec, err := NewExecutor(cfg, Options{})
	if err != nil {
		t.Fatalf("failed to create executor: %v", err)
	}
	return exec
}

// recorder captures reports passed to RecordRun.
type recorder struct {
	mu      sync.Mutex
	reports []*RunReport
}

func (r *recorder) RecordRun(_ context.Context, report *RunReport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, report)
	return nil
}
