package pbsm

import "github.com/claudioscordino/pbsm-go/internal/runtime"

// Barrier blocks the calling goroutine until every node has reached the
// barrier at this call site. Like Declare, it must be called at
// matching call sites, in the same order, on every node — the barrier id
// is derived from the caller's source location exactly as a variable id
// is, replacing the original project's PBSM_BARRIER() macro
// (original_source/include/pbsm.hpp).
func Barrier(rt *runtime.Runtime) error {
	id := hashToken(siteToken(2))
	return rt.Barrier(id)
}
