package policy

// GetBuiltinPolicies returns the default heal admission policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		informationalSignalsPolicy(),
		transientNetworkPolicy(),
		healBudgetPolicy(),
	}
}

// informationalSignalsPolicy never heals info-level signals.
func informationalSignalsPolicy() Policy {
	return Policy{
		Name:        "informational-signals",
		Description: "Info-level signals are logged but never trigger a new generation",
		Enabled:     true,
		Rego: `package healloop.heal.informational

import rego.v1

deny contains violation if {
	input.signal.severity == "info"
	violation := {
		"message": sprintf("signal %s is informational", [input.signal.type]),
	}
}
`,
	}
}

// transientNetworkPolicy skips network warnings, which regeneration
// rarely fixes.
func transientNetworkPolicy() Policy {
	return Policy{
		Name:        "transient-network",
		Description: "Network warnings are usually environmental and are not healed",
		Enabled:     true,
		Rego: `package healloop.heal.network

import rego.v1

deny contains violation if {
	input.signal.type == "NETWORK"
	input.signal.severity != "critical"
	violation := {
		"message": "network failures are treated as transient",
	}
}
`,
	}
}

// healBudgetPolicy caps the number of heals per session.
func healBudgetPolicy() Policy {
	return Policy{
		Name:        "heal-budget",
		Description: "Stops healing once a session has used its heal budget",
		Enabled:     true,
		Rego: `package healloop.heal.budget

import rego.v1

deny contains violation if {
	input.context.max_heals > 0
	input.context.heals_in_session >= input.context.max_heals
	violation := {
		"message": sprintf("heal budget exhausted (%d/%d)", [input.context.heals_in_session, input.context.max_heals]),
	}
}
`,
	}
}
