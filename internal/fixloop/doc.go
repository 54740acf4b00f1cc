// Package fixloop runs the tiered auto-fix escalation used before a
// final push: diagnose a failing test run, build targeted fixes, apply
// them with per-file rollback, and re-run the suite. Tier 1 makes
// quick passes; tier 2 adds the full attempt history and an extended
// reasoning budget. Both tiers are bounded, so the loop always
// terminates.
package fixloop
