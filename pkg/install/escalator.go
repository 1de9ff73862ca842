// Package install decides how to recover from a failed dependency
// installation.
//
// Only dependency-resolution failures are escalated. Network errors,
// timeouts and every other install failure return no next command; the
// caller proceeds in a degraded state instead.
package install

import (
	"strings"
)

// Escalation steps, from least to most permissive.
const (
	CommandPlain          = "npm install"
	CommandLegacyPeerDeps = "npm install --legacy-peer-deps"
	CommandForce          = "npm install --force"
)

// escalationOrder is the strict sequence tried after a resolution failure.
var escalationOrder = []string{
	CommandPlain,
	CommandLegacyPeerDeps,
	CommandForce,
}

// resolutionSignatures identify a dependency-tree conflict.
var resolutionSignatures = []string{
	"eresolve",
	"unable to resolve dependency tree",
	"could not resolve dependency",
	"conflicting peer dependency",
}

// excludedSignatures mark output as a transport problem even if a
// resolution signature is also present.
var excludedSignatures = []string{
	"etimedout",
	"network timeout",
	"econnreset",
	"econnrefused",
	"enotfound",
	"eai_again",
	"socket hang up",
	"network request failed",
}

// IsDependencyResolutionFailure reports whether install output describes a
// dependency-resolution conflict.
func IsDependencyResolutionFailure(output string) bool {
	lower := strings.ToLower(output)

	for _, sig := range excludedSignatures {
		if strings.Contains(lower, sig) {
			return false
		}
	}

	for _, sig := range resolutionSignatures {
		if strings.Contains(lower, sig) {
			return true
		}
	}
	return false
}

// NextCommand returns the next stricter install command after current
// failed with output. It returns false when the failure is not a
// resolution failure or the escalation order is exhausted.
//
// NextCommand keeps no history: the caller tracks attempts and stops once
// false is returned.
func NextCommand(current, output string) (string, bool) {
	if !IsDependencyResolutionFailure(output) {
		return "", false
	}

	idx := indexOf(current)
	if idx < 0 || idx+1 >= len(escalationOrder) {
		return "", false
	}
	return escalationOrder[idx+1], true
}

// Commands returns a copy of the escalation order.
func Commands() []string {
	out := make([]string, len(escalationOrder))
	copy(out, escalationOrder)
	return out
}

func indexOf(command string) int {
	command = strings.Join(strings.Fields(command), " ")
	for i, c := range escalationOrder {
		if c == command {
			return i
		}
	}
	return -1
}
