package fixloop

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// FailureKind classifies a parsed test failure.
type FailureKind string

const (
	// KindImport and KindSyntax block the whole suite and are fixed
	// before assertion failures.
	KindImport    FailureKind = "import"
	KindSyntax    FailureKind = "syntax"
	KindAssertion FailureKind = "assertion"
	KindOther     FailureKind = "other"
)

// blocking reports whether a failure prevents other tests from running.
func (k FailureKind) blocking() bool {
	return k == KindImport || k == KindSyntax
}

// TestFailure is one structured failure extracted from raw test output.
type TestFailure struct {
	File    string
	Line    int
	Test    string
	Kind    FailureKind
	Message string
}

func (f TestFailure) String() string {
	loc := f.File
	if f.Line > 0 {
		loc = fmt.Sprintf("%s:%d", f.File, f.Line)
	}
	if f.Test != "" {
		return fmt.Sprintf("[%s] %s (%s): %s", f.Kind, f.Test, loc, f.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", f.Kind, loc, f.Message)
}

var (
	// pytest: "FAILED tests/test_user.py::test_create - AssertionError: ..."
	pytestFailed = regexp.MustCompile(`(?m)^FAILED\s+(\S+?)::(\S+?)(?:\s+-\s+(.*))?$`)
	// pytest: "ERROR tests/test_user.py - ImportError: ..."
	pytestError = regexp.MustCompile(`(?m)^ERROR\s+(\S+?)(?:::(\S+))?(?:\s+-\s+(.*))?$`)
	// pytest traceback locations: "tests/test_user.py:42: AssertionError"
	pytestLoc = regexp.MustCompile(`(?m)^(\S+\.py):(\d+):\s+(\w*Error.*)$`)
	// pytest collection syntax error header.
	pytestSyntax = regexp.MustCompile(`(?m)^\s*File "([^"]+)", line (\d+)`)

	// go test: "--- FAIL: TestCreateUser (0.01s)"
	goFail = regexp.MustCompile(`(?m)^\s*--- FAIL: (\S+)`)
	// go test file locations: "    user_test.go:42: expected 1, got 2"
	goLoc = regexp.MustCompile(`(?m)^\s+(\S+\.go):(\d+):\s+(.*)$`)
	// go build failures: "user.go:10:2: undefined: Foo"
	goBuildErr = regexp.MustCompile(`(?m)^(\S+\.go):(\d+)(?::\d+)?:\s+(.*)$`)
)

// ParseFailures extracts structured failures from go test or pytest
// output. Blocking failures (imports, syntax) sort first so fixes
// target the errors masking everything else; ties keep input order.
func ParseFailures(output string) []TestFailure {
	var failures []TestFailure
	seen := make(map[string]bool)
	add := func(f TestFailure) {
		key := fmt.Sprintf("%s|%d|%s", f.File, f.Line, f.Test)
		if seen[key] {
			return
		}
		seen[key] = true
		failures = append(failures, f)
	}

	switch {
	case strings.Contains(output, "--- FAIL:") || strings.Contains(output, "[build failed]"):
		parseGoOutput(output, add)
	default:
		parsePytestOutput(output, add)
	}

	sort.SliceStable(failures, func(i, j int) bool {
		return failures[i].Kind.blocking() && !failures[j].Kind.blocking()
	})
	return failures
}

func parseGoOutput(output string, add func(TestFailure)) {
	// Compiler errors sit at column zero; test log lines are indented,
	// so the two regexes cannot claim the same line.
	if strings.Contains(output, "[build failed]") {
		for _, m := range goBuildErr.FindAllStringSubmatch(output, -1) {
			line, _ := strconv.Atoi(m[2])
			kind := KindSyntax
			msg := m[3]
			if strings.Contains(msg, "cannot find package") || strings.Contains(msg, "no required module") {
				kind = KindImport
			}
			add(TestFailure{File: m[1], Line: line, Kind: kind, Message: msg})
		}
	}

	fails := goFail.FindAllStringSubmatch(output, -1)
	locs := goLoc.FindAllStringSubmatch(output, -1)
	for i, m := range fails {
		f := TestFailure{Test: m[1], Kind: KindAssertion}
		if i < len(locs) {
			f.File = locs[i][1]
			f.Line, _ = strconv.Atoi(locs[i][2])
			f.Message = locs[i][3]
		}
		add(f)
	}
}

func parsePytestOutput(output string, add func(TestFailure)) {
	// Collection-time syntax errors block the whole run.
	if strings.Contains(output, "SyntaxError") {
		for _, m := range pytestSyntax.FindAllStringSubmatch(output, -1) {
			line, _ := strconv.Atoi(m[2])
			add(TestFailure{File: m[1], Line: line, Kind: KindSyntax, Message: "SyntaxError"})
		}
	}

	for _, m := range pytestError.FindAllStringSubmatch(output, -1) {
		kind := KindOther
		if strings.Contains(m[3], "ImportError") || strings.Contains(m[3], "ModuleNotFoundError") {
			kind = KindImport
		}
		add(TestFailure{File: m[1], Test: m[2], Kind: kind, Message: m[3]})
	}

	locByFile := make(map[string][2]string)
	for _, m := range pytestLoc.FindAllStringSubmatch(output, -1) {
		locByFile[m[1]] = [2]string{m[2], m[3]}
	}
	for _, m := range pytestFailed.FindAllStringSubmatch(output, -1) {
		f := TestFailure{File: m[1], Test: m[2], Kind: KindAssertion, Message: m[3]}
		if loc, ok := locByFile[m[1]]; ok {
			f.Line, _ = strconv.Atoi(loc[0])
			if f.Message == "" {
				f.Message = loc[1]
			}
		}
		add(f)
	}
}

// FormatFailures renders failures for a diagnosis prompt, one per line.
func FormatFailures(failures []TestFailure) string {
	if len(failures) == 0 {
		return "no structured failures extracted; see raw output"
	}
	lines := make([]string, len(failures))
	for i, f := range failures {
		lines[i] = f.String()
	}
	return strings.Join(lines, "\n")
}
