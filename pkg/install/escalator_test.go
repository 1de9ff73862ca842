package install

import "testing"

const eresolveOutput = `npm ERR! code ERESOLVE
npm ERR! ERESOLVE unable to resolve dependency tree
npm ERR! Found: react@18.2.0
npm ERR! Could not resolve dependency:
npm ERR! peer react@"^17.0.0" from some-widget@1.0.0`

func TestIsDependencyResolutionFailure(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   bool
	}{
		{"eresolve", "npm ERR! code ERESOLVE ... unable to resolve dependency tree", true},
		{"full npm output", eresolveOutput, true},
		{"peer conflict", "npm WARN Conflicting peer dependency: react@17", true},
		{"network timeout", "npm ERR! network timeout at: https://registry.npmjs.org/next", false},
		{"etimedout", "npm ERR! code ETIMEDOUT", false},
		{"resolution mixed with network", "ERESOLVE ... npm ERR! network timeout", false},
		{"missing script", "npm ERR! Missing script: \"dev\"", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsDependencyResolutionFailure(tt.output); got != tt.want {
				t.Errorf("IsDependencyResolutionFailure() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNextCommand_EscalationSequence(t *testing.T) {
	want := []string{CommandLegacyPeerDeps, CommandForce}

	current := CommandPlain
	for i, expected := range want {
		next, ok := NextCommand(current, eresolveOutput)
		if !ok {
			t.Fatalf("step %d: expected escalation from %q", i, current)
		}
		if next != expected {
			t.Fatalf("step %d: NextCommand(%q) = %q, want %q", i, current, next, expected)
		}
		current = next
	}

	if next, ok := NextCommand(current, eresolveOutput); ok {
		t.Errorf("expected exhaustion after %q, got %q", current, next)
	}
}

func TestNextCommand_NonResolutionFailure(t *testing.T) {
	for _, cmd := range Commands() {
		if next, ok := NextCommand(cmd, "npm ERR! network timeout"); ok {
			t.Errorf("NextCommand(%q) on network failure = %q, want none", cmd, next)
		}
	}
}

func TestNextCommand_UnknownCommand(t *testing.T) {
	if _, ok := NextCommand("yarn install", eresolveOutput); ok {
		t.Error("expected no escalation for an unknown install command")
	}
}

func TestNextCommand_WhitespaceInsensitive(t *testing.T) {
	next, ok := NextCommand("npm   install ", eresolveOutput)
	if !ok || next != CommandLegacyPeerDeps {
		t.Errorf("NextCommand = %q, %v; want %q", next, ok, CommandLegacyPeerDeps)
	}
}
