// Package audit implements the per-file audit and verdict engine.
//
// Every Change the builder proposes passes through Engine.Audit before it
// may touch the working tree. The engine is pure: it inspects the change
// content and the planned file list, and returns a verdict with findings.
//
// Verdict semantics:
//   - PASS: the change may be applied.
//   - FAIL: the change is dropped but recoverable; its audit record feeds
//     the remediation flow.
//   - REJECT: the change is outside the directive's declared scope and is
//     dropped permanently. REJECT dominates FAIL.
package audit
