package channel

import "fmt"

// contractViolation reports a broken caller precondition. Builds tagged
// chdebug panic; release builds carry on and the operation is a no-op.
func contractViolation(format string, args ...any) {
	if debugAssertions {
		panic(fmt.Sprintf("channel: contract violation: "+format, args...))
	}
}
