// Package stages provides a small catalog of generic pipeline stages.
//
// Generator is a ShipmentSource that emits numbered items, Passthrough
// forwards items with an optional delay, Script rewrites item metadata with
// a Starlark transform, and Collector is a sink that tallies what reaches it.
// The conveyor CLI assembles its demo pipeline from these.
package stages

import "github.com/conveyor/conveyor/pkg/pipeline"

var (
	inSocket  = []pipeline.Socket{{ID: "in"}}
	outSocket = []pipeline.Socket{{ID: "out"}}
)
