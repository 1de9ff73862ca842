package detector

import "regexp"

// DefaultRules returns the built-in failure signature table. Order matters:
// the first matching rule classifies the line.
func DefaultRules() []Rule {
	return []Rule{
		// Dependencies
		{
			Type:       PainDependency,
			Severity:   SeverityCritical,
			Pattern:    regexp.MustCompile(`Module not found: (?:Error: )?Can't resolve '[^']+'`),
			Suggestion: "Install the missing package in package.json or correct the import path.",
		},
		{
			Type:       PainDependency,
			Severity:   SeverityCritical,
			Pattern:    regexp.MustCompile(`Cannot find module '[^']+'`),
			Suggestion: "Add the module to package.json dependencies or fix the relative import.",
		},
		{
			Type:       PainDependency,
			Severity:   SeverityCritical,
			Pattern:    regexp.MustCompile(`(?:Failed to resolve import|Could not resolve) "[^"]+"`),
			Suggestion: "The bundler cannot resolve this import. Check the path or add the package.",
		},
		{
			Type:       PainDependency,
			Severity:   SeverityWarning,
			Pattern:    regexp.MustCompile(`ERESOLVE|unable to resolve dependency tree`),
			Suggestion: "Align conflicting peer dependency versions in package.json.",
		},

		// Syntax
		{
			Type:       PainSyntax,
			Severity:   SeverityCritical,
			Pattern:    regexp.MustCompile(`SyntaxError: .+`),
			Suggestion: "Fix the syntax error at the reported location.",
		},
		{
			Type:       PainSyntax,
			Severity:   SeverityCritical,
			Pattern:    regexp.MustCompile(`Unexpected token.*|Expected .+ but found .+|Unterminated (?:string|regexp|template)`),
			Suggestion: "Check for unbalanced brackets, stray characters or invalid JSX.",
		},

		// Type checking
		{
			Type:       PainTypeCheck,
			Severity:   SeverityCritical,
			Pattern:    regexp.MustCompile(`Type error: .+`),
			Suggestion: "Fix the TypeScript type error; the production build fails on it.",
		},
		{
			Type:       PainTypeCheck,
			Severity:   SeverityWarning,
			Pattern:    regexp.MustCompile(`error TS\d{4}: .+`),
			Suggestion: "Resolve the TypeScript diagnostic reported by the compiler.",
		},

		// Hydration
		{
			Type:       PainHydration,
			Severity:   SeverityWarning,
			Pattern:    regexp.MustCompile(`(?i)hydration failed|text content does not match server-rendered html|hydration mismatch`),
			Suggestion: "Server and client render differently. Move browser-only values into useEffect or mark the component as client-only.",
		},

		// Build
		{
			Type:       PainBuild,
			Severity:   SeverityCritical,
			Pattern:    regexp.MustCompile(`Failed to compile|Build failed|Build error occurred|error during build`),
			Suggestion: "The build failed. Inspect the first error above it and fix that file.",
		},
		{
			Type:       PainBuild,
			Severity:   SeverityCritical,
			Pattern:    regexp.MustCompile(`You're importing a component that needs \w+`),
			Suggestion: "Add the \"use client\" directive to components that use client-only hooks.",
		},

		// Runtime
		{
			Type:       PainRuntime,
			Severity:   SeverityCritical,
			Pattern:    regexp.MustCompile(`ReferenceError: .+ is not defined`),
			Suggestion: "Declare or import the missing identifier.",
		},
		{
			Type:       PainRuntime,
			Severity:   SeverityCritical,
			Pattern:    regexp.MustCompile(`TypeError: .+`),
			Suggestion: "Guard against undefined values and check that called values are functions.",
		},
		{
			Type:       PainRuntime,
			Severity:   SeverityCritical,
			Pattern:    regexp.MustCompile(`Unhandled Runtime Error|Uncaught (?:Error|Exception).*|unhandledRejection.*`),
			Suggestion: "Wrap the failing code path in error handling and fix the thrown error.",
		},
		{
			Type:       PainRuntime,
			Severity:   SeverityInfo,
			Pattern:    regexp.MustCompile(`Warning: Each child in a list should have a unique "key" prop`),
			Suggestion: "Add a stable key prop to list items.",
		},

		// Network
		{
			Type:       PainNetwork,
			Severity:   SeverityWarning,
			Pattern:    regexp.MustCompile(`EADDRINUSE.*|address already in use`),
			Suggestion: "Another process holds the port. Stop it or change the port.",
		},
		{
			Type:       PainNetwork,
			Severity:   SeverityWarning,
			Pattern:    regexp.MustCompile(`ECONNREFUSED.*|ENOTFOUND.*|fetch failed|getaddrinfo .+`),
			Suggestion: "A network request failed. Check the URL and make external calls resilient.",
		},
	}
}

// defaultNoise matches benign output that must never produce signals.
func defaultNoise() []*regexp.Regexp {
	return []*regexp.Regexp{
		regexp.MustCompile(`(?i)compiled successfully`),
		regexp.MustCompile(`(?i)webpack compiled`),
		regexp.MustCompile(`(?i)ready in \d+`),
		regexp.MustCompile(`Fast Refresh`),
		regexp.MustCompile(`\[HMR\]`),
		regexp.MustCompile(`^npm notice`),
		regexp.MustCompile(`^npm WARN deprecated`),
		regexp.MustCompile(`(?i)^\s*(?:✓|○|◐)`),
	}
}
