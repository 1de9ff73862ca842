// Package detector turns dev-server and build output into classified
// failure signals ("pain").
//
// Each line is stripped of terminal escapes, filtered against benign noise
// and matched against an ordered rule table; the first matching rule
// decides the signal's type, severity and suggestion. Repeats are
// suppressed for a debounce window keyed on the pain type and the leading
// characters of the match:
//
//	d := detector.New()
//	if sig, ok := d.Analyze("Module not found: Can't resolve 'zod'"); ok {
//	    fmt.Println(sig.Summary())
//	}
//
// The dedupe cache is purged on insert, never by a background timer, so a
// Detector driven by an injected clock is fully deterministic.
package detector
