// Package pipeline defines the graph model consumed by the conveyor execution engine.
//
// A pipeline is a directed multigraph of stages. Each stage exposes an ordered list of
// input and output sockets; connections join an output socket of one stage to an input
// socket of another. Several connections may end on the same input socket (socket-level
// merge) and several may start from the same output socket (fan-out).
//
// Graphs are assembled with a Builder and frozen before execution:
//
//	b := pipeline.NewBuilder()
//	_ = b.AddStage(src)
//	_ = b.AddStage(sink)
//	_ = b.Connect("src", "out", "sink", "in")
//	g, err := b.Freeze()
//
// A frozen Graph is immutable and safe for concurrent reads. Stages are addressed by a
// dense StageID assigned in insertion order, which the engine uses to index its per-run
// state.
//
// Work items flow between stages. Every item type implements WorkItem, which requires
// Clone (a deep, independent copy) and Release (free backing resources). Item is the
// stock implementation carrying a byte payload and metadata.
//
// The package also provides StructuralValidator, the default pre-flight check run by the
// engine before the first shipment cycle.
package pipeline
