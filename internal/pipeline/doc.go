// Package pipeline implements the dual-role migration pipeline: a
// director goroutine that plans tasks into directives and a builder
// goroutine that turns directives into audited, committed changes.
//
// The two roles overlap: planning of task N+1 is never blocked by the
// build of task N. Hand-off happens through two pools. The plan pool is
// a bounded FIFO channel carrying one item per task plus a single nil
// sentinel once planning is exhausted. The remediation pool is a
// priority queue of audit-failure fixes, serviced between tasks and
// after the main queue drains, in (priority, arrival) order.
//
// Stop is cooperative: the flag is observed at task and file
// boundaries, never pre-empting an in-flight provider call or file
// write. Pause is a resumable gate both roles await at the same
// boundaries; stop also unblocks a paused waiter.
package pipeline
