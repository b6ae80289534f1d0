// Package tokens estimates token counts and records usage rows off the
// orchestrator's critical path. Estimation is a deliberate heuristic:
// providers that report authoritative usage numbers always win.
package tokens

// Estimate approximates the token count of text as ceil(len/4). The
// heuristic is within roughly 20% for English prose and source code,
// which is good enough for chunk budgeting and cost fallback.
func Estimate(text string) int {
	if len(text) == 0 {
		return 0
	}
	return (len(text) + 3) / 4
}
