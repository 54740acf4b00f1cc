// Package migration defines the data model shared by the planning and
// build pipeline: migration tasks, directives, per-file changes, and the
// strict parsers that turn provider text into typed values.
//
// Values in this package are treated as immutable once constructed. A
// rejected Change is dropped, never edited; a Task is never mutated by
// the pipeline.
package migration
