// Package ids generates the client-side identifiers the upstream accepts as
// session and request names. A process-wide counter keeps ids unique across
// parallel managers; the random tail keeps them unique across processes.
package ids

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
)

var counter atomic.Uint64

// Session returns a new session id with the given wire prefix, e.g.
// "cs_mkhFo2Qe7X3x_1".
func Session(prefix string) string {
	return fmt.Sprintf("%s%s_%d", prefix, tail(12), counter.Add(1))
}

// Request returns a correlation id for a pending operation, e.g. "sds_sym_7".
func Request(prefix string) string {
	return fmt.Sprintf("%s_%d", prefix, counter.Add(1))
}

func tail(n int) string {
	s := strings.ReplaceAll(uuid.NewString(), "-", "")
	if len(s) > n {
		s = s[:n]
	}
	return s
}
