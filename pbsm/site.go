package pbsm

import (
	"fmt"
	"hash/fnv"
	"runtime"
)

// Site returns a "file:line" token for the caller's source location,
// suitable as the token argument to Declare (Barrier takes no token and
// derives its id from its own call site the same way). It is the Go
// replacement for the original project's
// HASH(__FILE__ ":" TOSTRING(__LINE__)) preprocessor macro
// (original_source/include/shared.hpp): identical call sites on
// different nodes produce identical tokens, and therefore identical
// ids, without requiring the caller to invent one by hand.
func Site() string {
	return siteToken(2)
}

// siteToken builds the "file:line" token for the frame skip levels above
// siteToken itself (skip=1 is siteToken's own caller).
func siteToken(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "unknown:0"
	}
	return fmt.Sprintf("%s:%d", file, line)
}

// hashToken derives a 32-bit id from a source-site token via FNV-1a,
// deterministically so identical tokens on different nodes agree
// (spec.md §3, Variable identity).
func hashToken(token string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(token))
	return h.Sum32()
}
