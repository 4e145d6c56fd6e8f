package pipeline

import (
	"fmt"
	"sort"
	"strings"
)

// StageID is the dense index of a stage within a frozen graph.
type StageID int

// Connection joins an output socket of one stage to an input socket of another.
type Connection struct {
	Source       string `json:"source"`
	SourceSocket string `json:"source_socket"`
	Target       string `json:"target"`
	TargetSocket string `json:"target_socket"`
}

// String renders the connection as "src.out -> dst.in".
func (c Connection) String() string {
	return fmt.Sprintf("%s.%s -> %s.%s", c.Source, c.SourceSocket, c.Target, c.TargetSocket)
}

// Edge is a connection resolved to stage IDs and socket indexes.
type Edge struct {
	From       StageID
	FromSocket int
	To         StageID
	ToSocket   int
}

// Builder assembles a graph. It is not safe for concurrent use.
type Builder struct {
	stages      []Stage
	byName      map[string]StageID
	connections []Connection
	frozen      bool
}

// NewBuilder creates an empty builder.
func NewBuilder() *Builder {
	return &Builder{
		byName: make(map[string]StageID),
	}
}

// AddStage registers a stage. Stage names must be unique and socket IDs unique per stage.
func (b *Builder) AddStage(s Stage) error {
	if b.frozen {
		return fmt.Errorf("graph already frozen")
	}
	if s == nil {
		return fmt.Errorf("stage is nil")
	}
	name := s.Name()
	if name == "" {
		return fmt.Errorf("stage has empty name")
	}
	if _, exists := b.byName[name]; exists {
		return fmt.Errorf("duplicate stage name: %s", name)
	}

	seen := make(map[string]bool)
	for _, sock := range append(append([]Socket(nil), s.Inputs()...), s.Outputs()...) {
		if sock.ID == "" {
			return fmt.Errorf("stage %s has a socket with empty id", name)
		}
		if seen[sock.ID] {
			return fmt.Errorf("stage %s has duplicate socket id: %s", name, sock.ID)
		}
		seen[sock.ID] = true
	}

	b.byName[name] = StageID(len(b.stages))
	b.stages = append(b.stages, s)
	return nil
}

// Connect joins source.sourceSocket to target.targetSocket.
func (b *Builder) Connect(source, sourceSocket, target, targetSocket string) error {
	if b.frozen {
		return fmt.Errorf("graph already frozen")
	}
	conn := Connection{Source: source, SourceSocket: sourceSocket, Target: target, TargetSocket: targetSocket}

	srcID, ok := b.byName[source]
	if !ok {
		return fmt.Errorf("connection %s: unknown source stage %s", conn, source)
	}
	dstID, ok := b.byName[target]
	if !ok {
		return fmt.Errorf("connection %s: unknown target stage %s", conn, target)
	}
	if socketIndex(b.stages[srcID].Outputs(), sourceSocket) < 0 {
		return fmt.Errorf("connection %s: stage %s has no output socket %s", conn, source, sourceSocket)
	}
	if socketIndex(b.stages[dstID].Inputs(), targetSocket) < 0 {
		return fmt.Errorf("connection %s: stage %s has no input socket %s", conn, target, targetSocket)
	}

	b.connections = append(b.connections, conn)
	return nil
}

// Freeze resolves connections and returns the immutable graph. The builder cannot be
// modified afterwards.
func (b *Builder) Freeze() (*Graph, error) {
	if b.frozen {
		return nil, fmt.Errorf("graph already frozen")
	}
	b.frozen = true

	n := len(b.stages)
	g := &Graph{
		stages:      b.stages,
		byName:      b.byName,
		connections: b.connections,
		incoming:    make([][][]Edge, n),
		outgoing:    make([][][]Edge, n),
		upstream:    make([][]StageID, n),
		downstream:  make([][]StageID, n),
	}
	for id, s := range b.stages {
		g.incoming[id] = make([][]Edge, len(s.Inputs()))
		g.outgoing[id] = make([][]Edge, len(s.Outputs()))
	}

	up := make([]map[StageID]bool, n)
	down := make([]map[StageID]bool, n)
	for i := range up {
		up[i] = make(map[StageID]bool)
		down[i] = make(map[StageID]bool)
	}

	for _, c := range b.connections {
		e := Edge{
			From: b.byName[c.Source],
			To:   b.byName[c.Target],
		}
		e.FromSocket = socketIndex(b.stages[e.From].Outputs(), c.SourceSocket)
		e.ToSocket = socketIndex(b.stages[e.To].Inputs(), c.TargetSocket)

		g.outgoing[e.From][e.FromSocket] = append(g.outgoing[e.From][e.FromSocket], e)
		g.incoming[e.To][e.ToSocket] = append(g.incoming[e.To][e.ToSocket], e)

		if !down[e.From][e.To] {
			down[e.From][e.To] = true
			g.downstream[e.From] = append(g.downstream[e.From], e.To)
		}
		if !up[e.To][e.From] {
			up[e.To][e.From] = true
			g.upstream[e.To] = append(g.upstream[e.To], e.From)
		}
	}

	return g, nil
}

// Graph is a frozen stage graph. All methods are safe for concurrent use.
type Graph struct {
	stages      []Stage
	byName      map[string]StageID
	connections []Connection

	// incoming[stage][inputSocket] lists the edges feeding that socket
	incoming [][][]Edge

	// outgoing[stage][outputSocket] lists the edges leaving that socket
	outgoing [][][]Edge

	upstream   [][]StageID
	downstream [][]StageID
}

// Len returns the number of stages.
func (g *Graph) Len() int {
	return len(g.stages)
}

// Stage returns the stage with the given ID.
func (g *Graph) Stage(id StageID) Stage {
	return g.stages[id]
}

// Name returns the name of the stage with the given ID.
func (g *Graph) Name(id StageID) string {
	return g.stages[id].Name()
}

// Lookup returns the ID of the named stage.
func (g *Graph) Lookup(name string) (StageID, bool) {
	id, ok := g.byName[name]
	return id, ok
}

// Connections returns a copy of the graph's connections.
func (g *Graph) Connections() []Connection {
	return append([]Connection(nil), g.connections...)
}

// Incoming returns the edges feeding input socket idx of stage id.
func (g *Graph) Incoming(id StageID, idx int) []Edge {
	return g.incoming[id][idx]
}

// Outgoing returns the edges leaving output socket idx of stage id.
func (g *Graph) Outgoing(id StageID, idx int) []Edge {
	return g.outgoing[id][idx]
}

// Upstream returns the distinct stages feeding id.
func (g *Graph) Upstream(id StageID) []StageID {
	return g.upstream[id]
}

// Downstream returns the distinct stages fed by id.
func (g *Graph) Downstream(id StageID) []StageID {
	return g.downstream[id]
}

// IsSource reports whether the stage declares no input sockets.
func (g *Graph) IsSource(id StageID) bool {
	return len(g.stages[id].Inputs()) == 0
}

// IsSink reports whether the stage has no output sockets.
func (g *Graph) IsSink(id StageID) bool {
	return len(g.stages[id].Outputs()) == 0
}

// Sources returns the IDs of all source stages.
func (g *Graph) Sources() []StageID {
	var ids []StageID
	for id := range g.stages {
		if g.IsSource(StageID(id)) {
			ids = append(ids, StageID(id))
		}
	}
	return ids
}

// Sinks returns the IDs of all sink stages.
func (g *Graph) Sinks() []StageID {
	var ids []StageID
	for id := range g.stages {
		if g.IsSink(StageID(id)) {
			ids = append(ids, StageID(id))
		}
	}
	return ids
}

// Levels groups stages into topological levels using Kahn's algorithm. Stages in the same
// level have no path between them. An error is returned if the graph has a cycle.
func (g *Graph) Levels() ([][]StageID, error) {
	inDegree := make([]int, len(g.stages))
	for id := range g.stages {
		inDegree[id] = len(g.upstream[id])
	}

	current := make([]StageID, 0)
	for id, d := range inDegree {
		if d == 0 {
			current = append(current, StageID(id))
		}
	}

	var levels [][]StageID
	processed := 0
	for len(current) > 0 {
		levels = append(levels, current)
		processed += len(current)

		next := make([]StageID, 0)
		for _, id := range current {
			for _, dep := range g.downstream[id] {
				inDegree[dep]--
				if inDegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		sort.Slice(next, func(i, j int) bool { return next[i] < next[j] })
		current = next
	}

	if processed != len(g.stages) {
		var stuck []string
		for id, d := range inDegree {
			if d > 0 {
				stuck = append(stuck, g.stages[id].Name())
			}
		}
		sort.Strings(stuck)
		return nil, fmt.Errorf("graph contains a cycle through: %s", strings.Join(stuck, ", "))
	}
	return levels, nil
}

// TopologicalOrder returns the stages in a dependency-respecting order.
func (g *Graph) TopologicalOrder() ([]StageID, error) {
	levels, err := g.Levels()
	if err != nil {
		return nil, err
	}
	order := make([]StageID, 0, len(g.stages))
	for _, level := range levels {
		order = append(order, level...)
	}
	return order, nil
}

// ToDOT renders the graph in Graphviz DOT format, grouping stages by topological level
// when the graph is acyclic.
func (g *Graph) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph Pipeline {\n")
	sb.WriteString("  rankdir=LR;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	if levels, err := g.Levels(); err == nil {
		for level, ids := range levels {
			sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
			sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
			sb.WriteString("    style=dashed;\n")
			for _, id := range ids {
				sb.WriteString(fmt.Sprintf("    \"%s\" [fillcolor=\"%s\", style=\"filled,rounded\"];\n",
					g.Name(id), g.stageColor(id)))
			}
			sb.WriteString("  }\n\n")
		}
	} else {
		for id := range g.stages {
			sb.WriteString(fmt.Sprintf("  \"%s\";\n", g.Name(StageID(id))))
		}
	}

	for _, c := range g.connections {
		sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\" [taillabel=\"%s\", headlabel=\"%s\"];\n",
			c.Source, c.Target, c.SourceSocket, c.TargetSocket))
	}

	sb.WriteString("}\n")
	return sb.String()
}

func (g *Graph) stageColor(id StageID) string {
	switch {
	case g.IsSource(id):
		return "lightgreen"
	case g.IsSink(id):
		return "lightblue"
	default:
		return "white"
	}
}

func socketIndex(sockets []Socket, id string) int {
	for i, s := range sockets {
		if s.ID == id {
			return i
		}
	}
	return -1
}
