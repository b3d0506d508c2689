// Package sym defines the glyphs pulseq uses as structured log markers
// and CLI prefixes. They are stable across log output and command help.
package sym

// System infrastructure symbols.
const (
	Pulse      = "꩜" // task queue activity: dispatch, execution, reaping
	PulseOpen  = "✿" // startup of a long-lived loop
	PulseClose = "❀" // shutdown of a long-lived loop
	DB         = "⊔" // database/storage layer
	AM         = "≡" // configuration
)

// Status markers printed next to task rows.
const (
	Waiting = "◌"
	Running = "◉"
	Done    = "✓"
	Failed  = "✗"
)

// descriptions documents each glyph for `--help` output.
var descriptions = map[string]string{
	Pulse:      "Task queue activity",
	PulseOpen:  "Loop startup",
	PulseClose: "Loop shutdown",
	DB:         "Database/storage layer",
	AM:         "Configuration",
	Waiting:    "Task waiting",
	Running:    "Task running",
	Done:       "Task finished",
	Failed:     "Task failed",
}

// Describe returns the description of a glyph, or "" when unknown.
func Describe(glyph string) string {
	return descriptions[glyph]
}
