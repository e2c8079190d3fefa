// Package config resolves the allocator's single environment-level
// knob. The variable name, MSM_OUPUT, is preserved verbatim from the
// original implementation; spec.md's open questions leave it unclear
// whether the missing "T" is a deliberate abbreviation or a typo, and
// compatibility requires keeping it as-is.
package config

import (
	"os"
	"sync"
)

const logSinkEnvVar = "MSM_OUPUT"

var (
	once    sync.Once
	sinkVal string
	sinkSet bool
)

// LogSinkPath returns the path named by MSM_OUPUT and whether it was set
// at all. An unset variable means logging is disabled entirely (spec §6);
// callers must not fall back to stdout in that case — only an unopenable
// configured path falls back to stdout.
func LogSinkPath() (path string, ok bool) {
	once.Do(func() {
		sinkVal, sinkSet = os.LookupEnv(logSinkEnvVar)
	})
	return sinkVal, sinkSet
}
