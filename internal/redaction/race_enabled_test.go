//go:build race

package redaction

// raceEnabled lets the performance SLO tests skip themselves under the
// race detector, where instrumentation overhead dwarfs the SLO budget.
const raceEnabled = true
