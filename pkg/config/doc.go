// Package config loads HealLoop configuration.
//
// A configuration file may be YAML, JSON or CUE. Every format is checked
// against the embedded CUE schema (schema.cue), which also fills in
// defaults, and is then decoded on top of Default. HEALLOOP_* environment
// variables override file values, and the result is validated with
// go-playground/validator struct tags.
//
//	cfg, err := config.Load("healloop.yaml")
//	if err != nil {
//	    return err
//	}
//	rules, err := cfg.DetectorRules(ctx, filepath.Dir("healloop.yaml"))
//
// Detector rules can be extended with Starlark scripts:
//
//	rules = [
//	    rule(type="RUNTIME", severity="critical", pattern="FATAL: .+"),
//	]
//
// LoadRuleScript evaluates such a script and returns compiled rules.
package config
