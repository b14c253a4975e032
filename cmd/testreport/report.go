package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

// Annotation holds the header parsed from a test function's doc comment.
type Annotation struct {
	Name       string `json:"name"`
	Purpose    string `json:"purpose,omitempty"`
	Scope      string `json:"scope,omitempty"`
	Expected   string `json:"expected,omitempty"`
	TestCaseID string `json:"test_case_id,omitempty"`
	Package    string `json:"package"`
	Area       string `json:"area"`
}

// testEvent is one line of `go test -json` output.
type testEvent struct {
	Action  string  `json:"Action"`
	Package string  `json:"Package"`
	Test    string  `json:"Test"`
	Elapsed float64 `json:"Elapsed"`
	Output  string  `json:"Output"`
}

// Result merges a test's outcome with its annotation.
type Result struct {
	Name       string     `json:"name"`
	Status     string     `json:"status"`
	Elapsed    float64    `json:"elapsed_seconds"`
	Package    string     `json:"package"`
	Output     string     `json:"failure_output,omitempty"`
	Annotation Annotation `json:"annotation"`
}

// Summary is the top level of the JSON report.
type Summary struct {
	GeneratedAt time.Time `json:"generated_at"`
	Total       int       `json:"total"`
	Passed      int       `json:"passed"`
	Failed      int       `json:"failed"`
	Skipped     int       `json:"skipped"`
	NotRun      int       `json:"not_run"`
	Results     []Result  `json:"results"`
}

const statusNotRun = "not run"

var headerFields = []struct {
	prefix string
	set    func(*Annotation, string)
}{
	{"TestPurpose:", func(a *Annotation, v string) { a.Purpose = v }},
	{"Scope:", func(a *Annotation, v string) { a.Scope = v }},
	{"Expected:", func(a *Annotation, v string) { a.Expected = v }},
	{"Test Case ID:", func(a *Annotation, v string) { a.TestCaseID = v }},
}

// modulePath reads the module directive from root/go.mod.
func modulePath(root string) (string, error) {
	f, err := os.Open(filepath.Join(root, "go.mod"))
	if err != nil {
		return "", err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if rest, ok := strings.CutPrefix(strings.TrimSpace(sc.Text()), "module "); ok {
			return strings.Trim(strings.TrimSpace(rest), `"`), nil
		}
	}
	if err := sc.Err(); err != nil {
		return "", err
	}
	return "", fmt.Errorf("no module directive in %s/go.mod", root)
}

// ScanAnnotations parses every _test.go file under root and returns the
// annotations keyed by "<import path>.<TestName>".
func ScanAnnotations(root string) (map[string]Annotation, error) {
	mod, err := modulePath(root)
	if err != nil {
		return nil, err
	}

	out := make(map[string]Annotation)
	fset := token.NewFileSet()
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if name := d.Name(); path != root && (strings.HasPrefix(name, "_") || strings.HasPrefix(name, ".") || name == "vendor") {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(path, "_test.go") {
			return nil
		}

		node, err := parser.ParseFile(fset, path, nil, parser.ParseComments)
		if err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		rel, err := filepath.Rel(root, filepath.Dir(path))
		if err != nil {
			return err
		}
		pkg := mod
		if rel != "." {
			pkg = mod + "/" + filepath.ToSlash(rel)
		}

		for _, decl := range node.Decls {
			fn, ok := decl.(*ast.FuncDecl)
			if !ok || fn.Recv != nil || !strings.HasPrefix(fn.Name.Name, "Test") || fn.Name.Name == "TestMain" {
				continue
			}
			a := Annotation{Name: fn.Name.Name, Package: pkg, Area: areaOf(filepath.ToSlash(rel))}
			if fn.Doc != nil {
				for _, c := range fn.Doc.List {
					text := strings.TrimSpace(strings.TrimPrefix(c.Text, "//"))
					for _, f := range headerFields {
						if v, ok := strings.CutPrefix(text, f.prefix); ok {
							f.set(&a, strings.TrimSpace(v))
						}
					}
				}
			}
			out[pkg+"."+fn.Name.Name] = a
		}
		return nil
	})
	return out, err
}

var areaNames = map[string]string{
	"keys":          "Keys",
	"filter":        "Filter",
	"registry":      "Registry",
	"tenant":        "Tenant",
	"cooldown":      "Cooldown",
	"claim":         "Claim",
	"grant":         "Grant",
	"announce":      "Announce",
	"audit":         "Audit",
	"persistence":   "Persistence",
	"store":         "Persistence",
	"keeper":        "Keeper",
	"config":        "Config",
	"transport":     "API",
	"observability": "Observability",
	"realmkeeper":   "CLI",
	"testreport":    "Tooling",
}

// areaOf maps a repo-relative package directory to its report section.
func areaOf(rel string) string {
	parts := strings.Split(rel, "/")
	if len(parts) >= 2 && (parts[0] == "internal" || parts[0] == "cmd") {
		if name, ok := areaNames[parts[1]]; ok {
			return name
		}
	}
	return "Other"
}

// areaOrder is the section order of the Markdown report.
var areaOrder = []string{
	"Keys", "Filter", "Registry", "Tenant", "Cooldown", "Claim", "Grant", "Announce",
	"Audit", "Persistence", "Keeper", "Config", "API", "Observability", "CLI", "Tooling", "Other",
}

// MergeResults folds a `go test -json` stream into the annotated tests.
// Annotated tests that never ran are reported as "not run". Subtests
// inherit the annotation of their parent.
func MergeResults(r io.Reader, annotations map[string]Annotation) ([]Result, error) {
	states := make(map[string]*Result, len(annotations))
	for key, a := range annotations {
		states[key] = &Result{Name: a.Name, Package: a.Package, Status: statusNotRun, Annotation: a}
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var ev testEvent
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil || ev.Test == "" {
			continue
		}

		key := ev.Package + "." + ev.Test
		res, ok := states[key]
		if !ok {
			parent, _, _ := strings.Cut(ev.Test, "/")
			a, found := annotations[ev.Package+"."+parent]
			if !found {
				a = Annotation{Package: ev.Package, Area: "Other"}
			}
			a.Name = ev.Test
			res = &Result{Name: ev.Test, Package: ev.Package, Status: statusNotRun, Annotation: a}
			states[key] = res
		}

		switch ev.Action {
		case "run":
			res.Status = ""
		case "pass", "fail":
			res.Status = ev.Action
			res.Elapsed = ev.Elapsed
		case "skip":
			res.Status = "skip"
		case "output":
			if res.Status == "" || res.Status == "fail" {
				res.Output += ev.Output
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(states))
	for _, s := range states {
		if s.Status != "fail" {
			s.Output = ""
		}
		results = append(results, *s)
	}
	slices.SortFunc(results, func(a, b Result) int {
		if c := strings.Compare(a.Package, b.Package); c != 0 {
			return c
		}
		return strings.Compare(a.Name, b.Name)
	})
	return results, nil
}

// Summarize counts outcomes.
func Summarize(results []Result, now time.Time) Summary {
	s := Summary{GeneratedAt: now, Results: results}
	for _, r := range results {
		s.Total++
		switch r.Status {
		case "pass":
			s.Passed++
		case "fail":
			s.Failed++
		case "skip":
			s.Skipped++
		default:
			s.NotRun++
		}
	}
	return s
}

// FilterAreas keeps results whose area is in include (when non-empty) and
// not in exclude.
func FilterAreas(results []Result, include, exclude []string) []Result {
	out := results[:0:0]
	for _, r := range results {
		if len(include) > 0 && !slices.Contains(include, r.Annotation.Area) {
			continue
		}
		if slices.Contains(exclude, r.Annotation.Area) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// WriteJSON writes the summary as indented JSON.
func WriteJSON(w io.Writer, s Summary) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

// WriteMarkdown renders the summary grouped by area.
func WriteMarkdown(w io.Writer, s Summary, title string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", title)
	fmt.Fprintf(&b, "**Generated:** %s  \n", s.GeneratedAt.Format("2006-01-02 15:04:05 MST"))
	status := "PASSED"
	if s.Failed > 0 {
		status = "FAILED"
	}
	fmt.Fprintf(&b, "**Status:** %s\n\n", status)

	rate := 0.0
	if ran := s.Total - s.NotRun; ran > 0 {
		rate = float64(s.Passed) / float64(ran) * 100
	}
	b.WriteString("| Total | Passed | Failed | Skipped | Not run | Pass rate |\n")
	b.WriteString("|-------|--------|--------|---------|---------|-----------|\n")
	fmt.Fprintf(&b, "| %d | %d | %d | %d | %d | %.1f%% |\n\n", s.Total, s.Passed, s.Failed, s.Skipped, s.NotRun, rate)

	byArea := make(map[string][]Result)
	for _, r := range s.Results {
		byArea[r.Annotation.Area] = append(byArea[r.Annotation.Area], r)
	}
	for _, area := range areaOrder {
		rs := byArea[area]
		if len(rs) == 0 {
			continue
		}
		fmt.Fprintf(&b, "## %s\n\n", area)
		b.WriteString("| ID | Test | Status | Purpose |\n")
		b.WriteString("|----|------|--------|---------|\n")
		for _, r := range rs {
			fmt.Fprintf(&b, "| %s | %s | %s | %s |\n", r.Annotation.TestCaseID, r.Name, r.Status, r.Annotation.Purpose)
		}
		b.WriteString("\n")
	}

	if s.Failed > 0 {
		b.WriteString("## Failures\n\n")
		for _, r := range s.Results {
			if r.Status == "fail" {
				fmt.Fprintf(&b, "### %s (%s)\n\n```\n%s```\n\n", r.Name, r.Package, r.Output)
			}
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}
