// Package metrics defines the narrow counter interface AccountsManager
// uses to tag create/delete events (spec.md §4.5, §8 scenario S1–S3, S6).
// No concrete Prometheus client is wired here — see DESIGN.md for why the
// teacher's own prometheus/client_golang dependency stays unused.
package metrics

// Counter is incremented once per event, with a set of string tags.
type Counter interface {
	Inc(tags map[string]string)
}

// Noop discards every increment. Safe zero value for tests and for any
// deployment that hasn't wired a real counter yet.
type Noop struct{}

func (Noop) Inc(map[string]string) {}
