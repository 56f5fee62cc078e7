package deploy

import (
	"fmt"
	"strings"
)

// RenderUpstream produces the reverse-proxy upstream block for a
// weighted canary split. The production server is always listed first
// and receives any rounding slack, so the output is byte-deterministic
// for identical inputs and the two integer weights sum to 100 exactly.
func RenderUpstream(host string, port, sidePort, canaryWeight int) string {
	if canaryWeight < 0 {
		canaryWeight = 0
	}
	if canaryWeight > 100 {
		canaryWeight = 100
	}
	prodWeight := 100 - canaryWeight

	var b strings.Builder
	b.WriteString("upstream app_backend {\n")
	if prodWeight > 0 {
		fmt.Fprintf(&b, "    server %s:%d weight=%d;\n", host, port, prodWeight)
	}
	if canaryWeight > 0 {
		fmt.Fprintf(&b, "    server %s:%d weight=%d;\n", host, sidePort, canaryWeight)
	}
	b.WriteString("}\n")
	return b.String()
}
