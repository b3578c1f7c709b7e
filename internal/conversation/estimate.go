// ABOUTME: Tool duration estimation used to drive progress indicators
// ABOUTME: Resolves exact name, substring, then category heuristics; TOML overrides

package conversation

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// defaultDurationSec is the fallback estimate for tools no rule matches.
const defaultDurationSec = 90

// builtinDurations maps well-known agent tool names to rough wall-clock
// estimates in seconds. These only shape the progress bar; they never time
// anything out.
var builtinDurations = map[string]int{
	"Bash":         60,
	"Read":         10,
	"Write":        15,
	"Edit":         20,
	"MultiEdit":    25,
	"Glob":         15,
	"Grep":         30,
	"Task":         120,
	"WebSearch":    30,
	"WebFetch":     20,
	"TodoWrite":    5,
	"NotebookEdit": 20,
}

// Estimator resolves a duration estimate for a tool name. Resolution order:
// exact table match, case-insensitive substring match against table keys,
// category heuristics, then the default.
type Estimator struct {
	durations  map[string]int
	sortedKeys []string
	defaultSec int
}

// NewEstimator returns an estimator seeded with the built-in table.
func NewEstimator() *Estimator {
	e := &Estimator{
		durations:  make(map[string]int, len(builtinDurations)),
		defaultSec: defaultDurationSec,
	}
	for name, sec := range builtinDurations {
		e.durations[name] = sec
	}
	e.rebuildKeys()
	return e
}

// overridesFile is the TOML shape for estimate overrides.
type overridesFile struct {
	DefaultSeconds int            `toml:"default_seconds"`
	Tools          map[string]int `toml:"tools"`
}

// LoadOverrides merges a TOML overrides file into the table. Entries override
// built-ins by exact name; default_seconds replaces the fallback when > 0.
func (e *Estimator) LoadOverrides(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading estimates file: %w", err)
	}

	var f overridesFile
	if _, err := toml.Decode(string(data), &f); err != nil {
		return fmt.Errorf("parsing estimates file: %w", err)
	}

	if f.DefaultSeconds > 0 {
		e.defaultSec = f.DefaultSeconds
	}
	for name, sec := range f.Tools {
		if sec > 0 {
			e.durations[name] = sec
		}
	}
	e.rebuildKeys()
	return nil
}

// rebuildKeys keeps a sorted key list so substring resolution is
// deterministic regardless of map iteration order.
func (e *Estimator) rebuildKeys() {
	e.sortedKeys = e.sortedKeys[:0]
	for name := range e.durations {
		e.sortedKeys = append(e.sortedKeys, name)
	}
	sort.Strings(e.sortedKeys)
}

// Estimate returns the duration estimate in seconds for the named tool.
func (e *Estimator) Estimate(name string) int {
	if sec, ok := e.durations[name]; ok {
		return sec
	}

	lower := strings.ToLower(name)
	for _, key := range e.sortedKeys {
		if strings.Contains(lower, strings.ToLower(key)) {
			return e.durations[key]
		}
	}

	switch {
	case strings.Contains(lower, "task"):
		return 120
	case strings.Contains(lower, "search"), strings.Contains(lower, "grep"):
		return 30
	case strings.Contains(lower, "file"), strings.Contains(lower, "read"), strings.Contains(lower, "write"):
		return 25
	}

	return e.defaultSec
}
