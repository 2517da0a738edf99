//go:build linux && cgo

// Package barrier provides the memory fence primitives sync/atomic cannot
// express: a store fence, a load fence, and a full fence, each backed by
// the matching x86 instruction. These back the shadow-doorbell heuristic
// and completion-queue phase-bit consumption. See SPEC_FULL.md §4.4/§4.5.
package barrier

/*
#include <stdint.h>

// x86-64 store fence: all prior stores are globally visible before any
// subsequent store. Used before writing the submission tail doorbell.
static inline void sfence_impl(void) {
    __asm__ __volatile__("sfence" ::: "memory");
}

// x86-64 load fence: all prior loads complete before any subsequent load.
// Used when consuming a completion queue entry's phase bit before reading
// the rest of the entry.
static inline void lfence_impl(void) {
    __asm__ __volatile__("lfence" ::: "memory");
}

// x86-64 full fence: all prior memory operations complete before any
// subsequent memory operation. Used by the shadow-doorbell event_idx
// comparison, which must not be reordered around the doorbell write it
// guards.
static inline void mfence_impl(void) {
    __asm__ __volatile__("mfence" ::: "memory");
}
*/
import "C"

// Wmb issues a store fence (SFENCE).
func Wmb() {
	C.sfence_impl()
}

// Rmb issues a load fence (LFENCE).
func Rmb() {
	C.lfence_impl()
}

// Mb issues a full fence (MFENCE).
func Mb() {
	C.mfence_impl()
}
