package runner

import (
	"fmt"
	"strings"
)

// Progress output modes.
const (
	ProgressLog = "log"
	ProgressOff = "off"
)

type kv struct {
	key   string
	value any
}

// progressLine renders ordered key=value tokens behind a [progress]
// marker. Nil values are dropped so optional fields can be passed
// unconditionally.
func progressLine(fields ...kv) string {
	var tokens []string
	for _, f := range fields {
		if f.value == nil {
			continue
		}
		tokens = append(tokens, fmt.Sprintf("%s=%v", f.key, f.value))
	}
	if len(tokens) == 0 {
		return "[progress]"
	}
	return "[progress] " + strings.Join(tokens, " ")
}

func (rc *runContext) emit(fields ...kv) {
	if rc.progressMode != ProgressLog {
		return
	}
	fmt.Println(progressLine(fields...))
}
