package audit

import (
	"fmt"
	"sync"

	"github.com/zricethezav/gitleaks/v8/detect"
	"go.uber.org/zap"

	"github.com/HAAIL-Universe/forgeguard/internal/migration"
)

// Verdict is the audit outcome for a single change.
type Verdict string

const (
	VerdictPass   Verdict = "PASS"
	VerdictFail   Verdict = "FAIL"
	VerdictReject Verdict = "REJECT"
)

// FindingKind categorizes audit findings. The kinds with mechanical
// fixes (wildcard-import, scope-deviation, syntax-error,
// invalid-structured-data) are handled without a provider call by the
// director's remediation mode.
type FindingKind string

const (
	FindingScopeDeviation        FindingKind = "scope-deviation"
	FindingSyntaxError           FindingKind = "syntax-error"
	FindingInvalidStructuredData FindingKind = "invalid-structured-data"
	FindingWildcardImport        FindingKind = "wildcard-import"
	FindingSecret                FindingKind = "secret"
)

// Finding is a single audit observation about a change.
type Finding struct {
	Kind    FindingKind `json:"kind"`
	Message string      `json:"message"`
	Line    int         `json:"line,omitempty"`
}

// Engine audits proposed changes. Safe for concurrent use.
type Engine struct {
	logger *zap.Logger

	mu       sync.Mutex
	detector *detect.Detector
}

// NewEngine creates an audit engine. The gitleaks default detector
// (its stock rule set) backs the secret scan.
func NewEngine(logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to create secret detector: %w", err)
	}

	return &Engine{
		logger:   logger,
		detector: detector,
	}, nil
}

// Audit inspects a change and returns a verdict with findings.
//
// plannedFiles is the directive's declared file list for the current
// task. When non-nil and the change's file is absent from it, the change
// is rejected immediately: the scope check short-circuits and takes
// precedence over any content finding. A nil plannedFiles skips the
// scope check (remediation and fix-loop changes are audited that way).
func (e *Engine) Audit(change migration.Change, plannedFiles []string) (Verdict, []Finding) {
	// Deletions and empty content have nothing to inspect.
	if change.Action == "delete" || change.After == "" {
		return VerdictPass, nil
	}

	if plannedFiles != nil && !containsFile(plannedFiles, change.File) {
		return VerdictReject, []Finding{{
			Kind:    FindingScopeDeviation,
			Message: fmt.Sprintf("file %s is not in the directive's planned file list", change.File),
		}}
	}

	var findings []Finding
	findings = append(findings, checkSyntax(change.File, change.After)...)
	findings = append(findings, checkWildcardImports(change.File, change.After)...)
	findings = append(findings, e.scanSecrets(change.After)...)

	if len(findings) > 0 {
		return VerdictFail, findings
	}
	return VerdictPass, nil
}

// ValidateFile re-checks a file after it has been written to disk. Only
// structural checks run here; the secret scan already ran at audit time.
func (e *Engine) ValidateFile(path, content string) []Finding {
	if content == "" {
		return nil
	}
	return checkSyntax(path, content)
}

// scanSecrets runs the gitleaks rule set over the content.
func (e *Engine) scanSecrets(content string) []Finding {
	e.mu.Lock()
	results := e.detector.DetectString(content)
	e.mu.Unlock()

	findings := make([]Finding, 0, len(results))
	for _, r := range results {
		findings = append(findings, Finding{
			Kind:    FindingSecret,
			Message: fmt.Sprintf("possible secret (%s): %s", r.RuleID, r.Description),
			Line:    r.StartLine,
		})
	}
	return findings
}

func containsFile(files []string, target string) bool {
	for _, f := range files {
		if f == target {
			return true
		}
	}
	return false
}
