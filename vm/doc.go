// Package vm implements the jvmx execution core.
//
// This package contains:
//   - Tagged Java value representation and integer narrowing
//   - Handle-based object registry (handle 0 is null)
//   - Semispace copying (Cheney) garbage collector over a byte arena
//   - Per-thread interpreter state: operand, local and frame stacks
//   - Thread manager driving the stop-the-world safepoint protocol
//   - Re-entrant monitors for synchronized methods and wait/notify
package vm
