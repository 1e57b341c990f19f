package runner

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

const (
	stageResponse = "response"
	stageJudge    = "judge"
)

// RequestID derives the deterministic id for one planned upstream call.
// The same run, stage, model, and example always map to the same id, so
// repeated and backfilled runs line up row for row.
func RequestID(runID, modelName, exampleID, stage string) string {
	value := fmt.Sprintf("%s:%s:%s:%s", runID, stage, modelName, exampleID)
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(value)).String()
}

// newTraceID returns a unique id for one trace row. Request ids repeat
// across retries and cache hits; trace ids never do.
func newTraceID() string {
	return ulid.Make().String()
}
