package policy

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		stageNamingPolicy(),
		graphLimitsPolicy(),
		fanOutPolicy(),
		shipmentSourcePolicy(),
		danglingOutputsPolicy(),
	}
}

// stageNamingPolicy keeps stage names usable as metric labels and file names.
func stageNamingPolicy() Policy {
	return Policy{
		Name:        "stage-naming",
		Description: "Stage names are lowercase alphanumeric with hyphens or underscores",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"naming", "conventions"},
		Rego: `package conveyor.policies.naming

import rego.v1

deny contains violation if {
	some stage in input.graph.stages
	not regex.match("^[a-z0-9][a-z0-9_-]*$", stage.name)
	violation := {
		"message": sprintf("stage name '%s' should be lowercase alphanumeric with hyphens or underscores", [stage.name]),
		"stage": stage.name,
	}
}
`,
	}
}

// graphLimitsPolicy bounds the size of a single graph.
func graphLimitsPolicy() Policy {
	return Policy{
		Name:        "graph-limits",
		Description: "Graphs stay within the stage count and depth the executor is tuned for",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"limits"},
		Rego: `package conveyor.policies.limits

import rego.v1

max_stages := 1024

max_depth := 256

deny contains violation if {
	input.graph.stage_count > max_stages
	violation := {"message": sprintf("graph has %d stages, the limit is %d", [input.graph.stage_count, max_stages])}
}

deny contains violation if {
	input.graph.depth > max_depth
	violation := {"message": sprintf("graph is %d levels deep, the limit is %d", [input.graph.depth, max_depth])}
}
`,
	}
}

// fanOutPolicy flags output sockets that clone every item many times.
func fanOutPolicy() Policy {
	return Policy{
		Name:        "fan-out",
		Description: "Output sockets feeding many consumers multiply buffered memory",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"memory"},
		Rego: `package conveyor.policies.fanout

import rego.v1

max_fan_out := 32

deny contains violation if {
	some stage in input.graph.stages
	stage.fan_out > max_fan_out
	violation := {
		"message": sprintf("stage '%s' feeds %d consumers from one socket; every item is cloned per consumer", [stage.name, stage.fan_out]),
		"stage": stage.name,
	}
}
`,
	}
}

// shipmentSourcePolicy flags sources whose production cannot be capped.
func shipmentSourcePolicy() Policy {
	return Policy{
		Name:        "shipment-source",
		Description: "Source stages implement ShipmentSource so MaxShipmentSize applies",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"memory", "shipments"},
		Rego: `package conveyor.policies.shipments

import rego.v1

deny contains violation if {
	some stage in input.graph.stages
	stage.source
	not stage.shipment_source
	violation := {
		"message": sprintf("source stage '%s' does not accept a shipment size and may flood its consumers", [stage.name]),
		"stage": stage.name,
	}
}
`,
	}
}

// danglingOutputsPolicy reports output sockets whose items are discarded.
func danglingOutputsPolicy() Policy {
	return Policy{
		Name:        "dangling-outputs",
		Description: "Items produced on unconnected output sockets are discarded",
		Severity:    SeverityInfo,
		Enabled:     true,
		Tags:        []string{"wiring"},
		Rego: `package conveyor.policies.wiring

import rego.v1

connected(name, socket) if {
	some c in input.graph.connections
	c.source == name
	c.source_socket == socket
}

deny contains violation if {
	some stage in input.graph.stages
	some socket in stage.outputs
	not connected(stage.name, socket)
	violation := {
		"message": sprintf("output socket '%s' of stage '%s' is not connected; its items are discarded", [socket, stage.name]),
		"stage": stage.name,
	}
}
`,
	}
}
