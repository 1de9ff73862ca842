// Package policy provides Open Policy Agent (OPA) admission for auto-heal.
//
// Before the heal coordinator asks for a new generation it builds a
// HealInput from the pain signal and session context and hands it to the
// Engine. Every enabled policy is a Rego module exposing a `deny` set; any
// element in any set blocks the heal.
//
// # Built-in Policies
//
//   - informational-signals: info severity never heals
//   - transient-network: NETWORK warnings are not healed
//   - heal-budget: stops once context.max_heals is reached (0 disables it)
//
// # Custom Policies
//
// Custom policies live in .rego files and are loaded with LoadPolicies.
// Each must declare a package under healloop.heal and a deny rule, or it is
// rejected. The Loader can watch the policy directory and swap the set with
// ReplacePolicies when files change:
//
//	package healloop.heal.quiet_hours
//
//	import rego.v1
//
//	deny contains violation if {
//	    input.signal.type == "HYDRATION"
//	    violation := {"message": "hydration mismatches are reviewed by hand"}
//	}
//
// # Input Document
//
//	{
//	  "signal":  {"type", "severity", "message", "file", "line", "suggestion"},
//	  "context": {"session_id", "heals_in_session", "max_heals", "timestamp"}
//	}
package policy
