package engine

import (
	"github.com/conveyor/conveyor/pkg/pipeline"
	"github.com/conveyor/conveyor/pkg/telemetry"
)

// releaseConsumed releases every input item that the stage did not pass through.
// An item counts as passed through when an output carries the same ID.
func releaseConsumed(in pipeline.Inputs, out pipeline.Outputs) {
	if len(in) == 0 {
		return
	}
	kept := make(map[string]struct{}, out.Count())
	for _, items := range out {
		for _, it := range items {
			if it != nil {
				kept[it.ID()] = struct{}{}
			}
		}
	}
	for _, items := range in {
		for _, it := range items {
			if it == nil {
				continue
			}
			if _, ok := kept[it.ID()]; !ok {
				it.Release()
			}
		}
	}
}

// releaseInvocation releases everything an invocation touched, used when its result is discarded.
func releaseInvocation(in pipeline.Inputs, out pipeline.Outputs) {
	for _, items := range in {
		pipeline.ReleaseAll(items)
	}
	seen := make(map[string]struct{})
	for _, items := range out {
		for _, it := range items {
			if it == nil {
				continue
			}
			if _, dup := seen[it.ID()]; dup {
				continue
			}
			seen[it.ID()] = struct{}{}
			it.Release()
		}
	}
}

// route maps a stage's outputs onto its outgoing connections.
//
// An item reference is delivered as the original at most once across all sockets: the last
// connection of a socket gets the originals and every other connection gets clones, and an
// item the stage emitted more than once is cloned on every repeat, so consumers never share
// an item. Items on sockets without consumers, or on sockets the stage does not declare,
// are released unless the same reference was delivered elsewhere.
// It also returns the produced count: the largest item count on any single output socket.
func route(g *pipeline.Graph, id pipeline.StageID, out pipeline.Outputs, logger *telemetry.Logger) ([]delivery, int) {
	sockets := g.Stage(id).Outputs()
	declared := make(map[string]bool, len(sockets))
	delivered := make(map[string]struct{})
	produced := 0
	var deliveries []delivery
	var leftovers []pipeline.WorkItem

	for idx, sock := range sockets {
		declared[sock.ID] = true
		items := compact(out[sock.ID])
		if len(items) > produced {
			produced = len(items)
		}
		if len(items) == 0 {
			continue
		}

		edges := g.Outgoing(id, idx)
		if len(edges) == 0 {
			logger.WithField("socket", sock.ID).Debugf("releasing %d items on unconnected output", len(items))
			leftovers = append(leftovers, items...)
			continue
		}

		last := len(edges) - 1
		for k, e := range edges {
			batch := make([]pipeline.WorkItem, len(items))
			for i, it := range items {
				if _, dup := delivered[it.ID()]; k == last && !dup {
					delivered[it.ID()] = struct{}{}
					batch[i] = it
					continue
				}
				batch[i] = it.Clone()
			}
			deliveries = append(deliveries, delivery{to: e.To, socket: e.ToSocket, items: batch})
		}
	}

	for key, items := range out {
		items = compact(items)
		if declared[key] || len(items) == 0 {
			continue
		}
		logger.WithField("socket", key).Warnf("stage produced %d items on undeclared output socket", len(items))
		leftovers = append(leftovers, items...)
	}

	for _, it := range leftovers {
		if _, ok := delivered[it.ID()]; ok {
			continue
		}
		delivered[it.ID()] = struct{}{}
		it.Release()
	}

	return deliveries, produced
}

func compact(items []pipeline.WorkItem) []pipeline.WorkItem {
	for _, it := range items {
		if it == nil {
			out := make([]pipeline.WorkItem, 0, len(items))
			for _, it := range items {
				if it != nil {
					out = append(out, it)
				}
			}
			return out
		}
	}
	return items
}
