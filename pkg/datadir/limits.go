package datadir

import (
	"strconv"
	"strings"

	"github.com/lakestor/storagenode/pkg/engineerr"
)

// parseNoFileSoftLimit extracts the soft limit for "Max open files" from
// the contents of /proc/self/limits.
func parseNoFileSoftLimit(limits string) (int, error) {
	for _, line := range strings.Split(limits, "\n") {
		if !strings.HasPrefix(line, "Max open files") {
			continue
		}
		fields := strings.Fields(line)
		// Fields: "Max" "open" "files" <soft> <hard> [unit]
		if len(fields) < 4 {
			return 0, engineerr.New(engineerr.Internal, "parseNoFileSoftLimit", "unexpected limits line: %q", line)
		}
		if fields[3] == "unlimited" {
			return int(^uint(0) >> 1), nil
		}
		return strconv.Atoi(fields[3])
	}
	return 0, engineerr.New(engineerr.Internal, "parseNoFileSoftLimit", "Max open files line not found")
}
