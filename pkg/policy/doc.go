// Package policy admits pipeline graphs with Open Policy Agent.
//
// Each policy is a Rego module that defines a "deny" set over a summary of
// the graph (see GraphSummary): stage names, sockets, levels, fan-out and
// whether sources accept a shipment size. Members of the set are strings or
// objects with "message", "stage" and an optional "severity" overriding the
// policy default.
//
// Engine implements pipeline.Validator. In enforcing mode an error-severity
// violation rejects the graph with a *RejectedError; in advisory mode it is
// only logged. Warnings and info findings are always logged.
//
//	pe, err := policy.NewEngine(logger, true)
//	if err != nil {
//	    return err
//	}
//	if err := pe.LoadPolicies(ctx, []string{"policies/"}); err != nil {
//	    return err
//	}
//	exec, err := engine.NewExecutor(cfg, engine.Options{
//	    Validator: pipeline.Validators{pipeline.StructuralValidator{}, pe},
//	})
//
// Policy files are .rego modules (leading comments become the description,
// "# severity: error" sets the severity) or JSON documents holding a Policy.
package policy
