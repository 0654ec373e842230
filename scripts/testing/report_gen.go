// Command report_gen turns `go test -json` output into traceable test
// reports. It scans the tree for the annotation banners carried by test
// functions (TestPurpose, Scope, Security, Expected, Test Case ID) and joins
// them with the run results into JSON, Markdown, and optionally HTML.
//
// Usage:
//
//	go test -json ./... > /tmp/run.json
//	go run scripts/testing/report_gen.go -input /tmp/run.json \
//	    -out-json reports/tests.json -out-md reports/tests.md
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const modulePath = "github.com/meywd/openauth-sub002"

// TestMetadata holds the annotation banner parsed from a test's doc comment.
type TestMetadata struct {
	Name        string `json:"name"`
	Purpose     string `json:"purpose,omitempty"`
	Scope       string `json:"scope,omitempty"`
	Security    string `json:"security,omitempty"`
	Permissions string `json:"permissions,omitempty"`
	Expected    string `json:"expected,omitempty"`
	TestCaseID  string `json:"test_case_id,omitempty"`
	Package     string `json:"package"`
	Category    string `json:"category"`
	Type        string `json:"type"` // UT, SYSTEM, E2E
}

// GoTestEvent is a single line of `go test -json` output.
type GoTestEvent struct {
	Time    time.Time `json:"Time"`
	Action  string    `json:"Action"`
	Package string    `json:"Package"`
	Test    string    `json:"Test"`
	Elapsed float64   `json:"Elapsed"`
	Output  string    `json:"Output"`
}

// FinalTestResult is the merged record for one test.
type FinalTestResult struct {
	Name        string       `json:"name"`
	Status      string       `json:"status"`
	Elapsed     float64      `json:"elapsed_seconds"`
	Package     string       `json:"package"`
	Failure     string       `json:"failure_reason,omitempty"`
	Annotations TestMetadata `json:"annotations"`
}

// ReportSummary holds top-level stats plus the per-test records.
type ReportSummary struct {
	GeneratedAt time.Time         `json:"generated_at"`
	Total       int               `json:"total"`
	Passed      int               `json:"passed"`
	Failed      int               `json:"failed"`
	Skipped     int               `json:"skipped"`
	Results     []FinalTestResult `json:"results"`
}

// categoryOrder fixes the section order in rendered reports.
var categoryOrder = []string{
	"Identity", "RBAC", "Tenant", "Clients", "Providers", "Sessions",
	"OAuth2", "OIDC", "Audit", "Storage", "Persistence", "Resilience",
	"Crypto", "Infrastructure", "API",
	"SYSTEM Tests", "E2E Tests", "Other", "Uncategorized",
}

func main() {
	inputPath := flag.String("input", "", "Path to go test -json output file")
	outputJSON := flag.String("out-json", "", "Path for output JSON report")
	outputMD := flag.String("out-md", "", "Path for output Markdown report")
	outputHTML := flag.String("out-html", "", "Path for output HTML report")
	title := flag.String("title", "Test Report", "Report title")
	filterCats := flag.String("filter-categories", "", "Comma-separated list of categories to include")
	excludeCats := flag.String("exclude-categories", "", "Comma-separated list of categories to exclude")
	filterType := flag.String("filter-type", "", "Filter by test type (UT, SYSTEM, E2E)")
	excludeType := flag.String("exclude-type", "", "Exclude by test type (UT, SYSTEM, E2E)")
	flag.Parse()

	if *inputPath == "" || *outputJSON == "" || *outputMD == "" {
		fmt.Println("Usage: report_gen -input <json_file> -out-json <out_json> -out-md <out_md>")
		os.Exit(1)
	}

	metadata := scanMetadata()
	results := parseTestOutput(*inputPath, metadata)

	results = filterByCategory(results, *filterCats, true)
	results = filterByCategory(results, *excludeCats, false)
	results = filterByKind(results, *filterType, true)
	results = filterByKind(results, *excludeType, false)

	summary := summarize(results)
	saveJSON(summary, *outputJSON)
	saveMarkdown(summary, *outputMD, *title)
	if *outputHTML != "" {
		saveHTML(summary, *outputHTML, *title)
	}

	// A non-zero exit keeps CI gates honest when the run had failures.
	if summary.Failed > 0 {
		fmt.Printf("\n❌ Test Reporting: %d tests failed. Exiting with error.\n", summary.Failed)
		os.Exit(1)
	}
}

// scanMetadata walks the tree and collects annotation banners from every
// test function's doc comment.
func scanMetadata() map[string]TestMetadata {
	metadata := make(map[string]TestMetadata)
	fset := token.NewFileSet()

	filepath.WalkDir(".", func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, "_test.go") {
			return nil
		}
		if strings.Contains(path, "vendor/") || strings.Contains(path, ".git/") {
			return nil
		}

		node, err := parser.ParseFile(fset, path, nil, parser.ParseComments)
		if err != nil {
			return nil
		}

		pkgPath := packagePath(path)
		for _, decl := range node.Decls {
			fn, ok := decl.(*ast.FuncDecl)
			if !ok || !strings.HasPrefix(fn.Name.Name, "Test") {
				continue
			}
			meta := parseBanner(fn, pkgPath)
			metadata[pkgPath+"."+fn.Name.Name] = meta
		}
		return nil
	})

	return metadata
}

// parseBanner extracts the annotation fields from a test's doc comment. An
// explicit Category line in the Metadata block wins over the package-derived
// category.
func parseBanner(fn *ast.FuncDecl, pkgPath string) TestMetadata {
	meta := TestMetadata{
		Name:     fn.Name.Name,
		Package:  pkgPath,
		Type:     determineType(pkgPath),
		Category: determineCategory(pkgPath),
	}
	if fn.Doc == nil {
		return meta
	}

	for _, line := range fn.Doc.List {
		text := strings.TrimSpace(strings.TrimPrefix(line.Text, "//"))
		switch {
		case strings.HasPrefix(text, "TestPurpose:"):
			meta.Purpose = strings.TrimSpace(strings.TrimPrefix(text, "TestPurpose:"))
		case strings.HasPrefix(text, "Scope:"):
			meta.Scope = strings.TrimSpace(strings.TrimPrefix(text, "Scope:"))
		case strings.HasPrefix(text, "Security:"):
			meta.Security = strings.TrimSpace(strings.TrimPrefix(text, "Security:"))
		case strings.HasPrefix(text, "Permissions:"):
			meta.Permissions = strings.TrimSpace(strings.TrimPrefix(text, "Permissions:"))
		case strings.HasPrefix(text, "Expected:"):
			meta.Expected = strings.TrimSpace(strings.TrimPrefix(text, "Expected:"))
		case strings.HasPrefix(text, "Test Case ID:"):
			meta.TestCaseID = strings.TrimSpace(strings.TrimPrefix(text, "Test Case ID:"))
		case strings.HasPrefix(text, "- Category:"):
			meta.Category = strings.TrimSpace(strings.TrimPrefix(text, "- Category:"))
		}
	}
	return meta
}

func packagePath(filePath string) string {
	dir := strings.TrimPrefix(filepath.Dir(filePath), "./")
	if dir == "." {
		return "main"
	}
	return modulePath + "/" + dir
}

func determineType(pkgPath string) string {
	relPath := strings.TrimPrefix(pkgPath, modulePath+"/")
	if strings.HasPrefix(relPath, "tests/") {
		parts := strings.Split(relPath, "/")
		if len(parts) > 1 {
			return strings.ToUpper(parts[1])
		}
	}
	return "UT"
}

func determineCategory(pkgPath string) string {
	// Most specific paths first; "store/postgres" would otherwise be
	// swallowed by the "storage" match.
	switch {
	case strings.Contains(pkgPath, "transport/http"):
		return "API"
	case strings.Contains(pkgPath, "store/postgres"):
		return "Persistence"
	case strings.Contains(pkgPath, "storage"):
		return "Storage"
	case strings.Contains(pkgPath, "identity"):
		return "Identity"
	case strings.Contains(pkgPath, "rbac"):
		return "RBAC"
	case strings.Contains(pkgPath, "tenant"):
		return "Tenant"
	case strings.Contains(pkgPath, "client"):
		return "Clients"
	case strings.Contains(pkgPath, "provider"):
		return "Providers"
	case strings.Contains(pkgPath, "session"):
		return "Sessions"
	case strings.Contains(pkgPath, "oauth2"):
		return "OAuth2"
	case strings.Contains(pkgPath, "oidc"):
		return "OIDC"
	case strings.Contains(pkgPath, "audit"):
		return "Audit"
	case strings.Contains(pkgPath, "resilience"):
		return "Resilience"
	case strings.Contains(pkgPath, "crypto"):
		return "Crypto"
	case strings.Contains(pkgPath, "cache"),
		strings.Contains(pkgPath, "config"),
		strings.Contains(pkgPath, "observability"),
		strings.Contains(pkgPath, "/id"):
		return "Infrastructure"
	}
	if t := determineType(pkgPath); t != "UT" {
		return t + " Tests"
	}
	return "Other"
}

func parseTestOutput(path string, meta map[string]TestMetadata) []FinalTestResult {
	// Seed with every annotated test so ones the run never reached still
	// show up, marked not run.
	states := make(map[string]*FinalTestResult)
	for key, m := range meta {
		states[key] = &FinalTestResult{
			Name:        m.Name,
			Package:     m.Package,
			Status:      "not run",
			Annotations: m,
		}
	}

	file, err := os.Open(path)
	if err != nil {
		fmt.Printf("Error opening test output: %v\n", err)
		return nil
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var event GoTestEvent
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			continue
		}
		if event.Test == "" {
			continue
		}

		key := event.Package + "." + event.Test
		res, ok := states[key]
		if !ok {
			res = newResult(event, meta)
			states[key] = res
		}

		switch event.Action {
		case "pass":
			res.Status = "pass"
			res.Elapsed = event.Elapsed
		case "fail":
			res.Status = "fail"
			res.Elapsed = event.Elapsed
		case "skip":
			res.Status = "skip"
		case "output":
			if res.Status == "fail" || res.Status == "" {
				res.Failure += event.Output
			}
		}
	}

	var list []FinalTestResult
	for _, v := range states {
		list = append(list, *v)
	}
	return list
}

// newResult builds a record for a test the scan did not annotate. Subtests
// inherit their parent's banner.
func newResult(event GoTestEvent, meta map[string]TestMetadata) *FinalTestResult {
	annotations := TestMetadata{
		Name:     event.Test,
		Package:  event.Package,
		Type:     determineType(event.Package),
		Category: determineCategory(event.Package),
	}

	if parent, _, found := strings.Cut(event.Test, "/"); found {
		if parentMeta, ok := meta[event.Package+"."+parent]; ok {
			annotations = parentMeta
			annotations.Name = event.Test
			annotations.Purpose = parentMeta.Purpose + " (Subtest: " + event.Test + ")"
		}
	}

	return &FinalTestResult{
		Name:        event.Test,
		Package:     event.Package,
		Annotations: annotations,
	}
}

func filterByCategory(results []FinalTestResult, csv string, include bool) []FinalTestResult {
	if csv == "" {
		return results
	}
	wanted := make(map[string]bool)
	for _, cat := range strings.Split(csv, ",") {
		wanted[strings.TrimSpace(cat)] = true
	}
	filtered := results[:0]
	for _, res := range results {
		if wanted[res.Annotations.Category] == include {
			filtered = append(filtered, res)
		}
	}
	return filtered
}

func filterByKind(results []FinalTestResult, kind string, include bool) []FinalTestResult {
	if kind == "" {
		return results
	}
	filtered := results[:0]
	for _, res := range results {
		if strings.EqualFold(res.Annotations.Type, kind) == include {
			filtered = append(filtered, res)
		}
	}
	return filtered
}

func summarize(results []FinalTestResult) ReportSummary {
	summary := ReportSummary{
		GeneratedAt: time.Now(),
		Results:     results,
	}
	for _, r := range results {
		summary.Total++
		switch r.Status {
		case "pass":
			summary.Passed++
		case "fail":
			summary.Failed++
		case "skip":
			summary.Skipped++
		}
	}
	return summary
}

func groupByCategory(results []FinalTestResult) map[string][]FinalTestResult {
	categories := make(map[string][]FinalTestResult)
	for _, r := range results {
		cat := r.Annotations.Category
		if cat == "" {
			cat = "Uncategorized"
		}
		categories[cat] = append(categories[cat], r)
	}
	return categories
}

func statusIcon(status string) string {
	switch status {
	case "fail":
		return "❌"
	case "skip":
		return "⏭️"
	case "not run":
		return "⚪"
	}
	return "✅"
}

func saveJSON(summary ReportSummary, path string) {
	data, _ := json.MarshalIndent(summary, "", "  ")
	os.MkdirAll(filepath.Dir(path), 0755)
	os.WriteFile(path, data, 0644)
}

func saveMarkdown(summary ReportSummary, path string, title string) {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("# OpenAuth %s\n\n", title))
	sb.WriteString(fmt.Sprintf("**Generated:** %s  \n", summary.GeneratedAt.Format("2006-01-02 15:04:05 MST")))

	status := "✅ PASSED"
	if summary.Failed > 0 {
		status = "❌ FAILED"
	}
	sb.WriteString(fmt.Sprintf("**Status:** %s\n\n", status))

	sb.WriteString("## Summary\n\n")
	sb.WriteString("| Total | Passed | Failed | Skipped | Pass Rate |\n")
	sb.WriteString("|-------|--------|--------|---------|-----------|\n")
	rate := 0.0
	if summary.Total > 0 {
		rate = float64(summary.Passed) / float64(summary.Total) * 100
	}
	sb.WriteString(fmt.Sprintf("| %d | %d | %d | %d | %.1f%% |\n\n", summary.Total, summary.Passed, summary.Failed, summary.Skipped, rate))

	sb.WriteString("## Test Results by Category\n\n")

	categories := groupByCategory(summary.Results)
	for _, cat := range categoryOrder {
		tests, ok := categories[cat]
		if !ok || len(tests) == 0 {
			continue
		}

		sb.WriteString(fmt.Sprintf("### %s\n\n", cat))
		sb.WriteString("| ID | Test Name | Status | Purpose | Security |\n")
		sb.WriteString("|----|-----------|--------|---------|----------|\n")
		for _, t := range tests {
			security := t.Annotations.Security
			if security != "" {
				security = "**" + security + "**"
			}
			sb.WriteString(fmt.Sprintf("| %s | %s | %s | %s | %s |\n",
				t.Annotations.TestCaseID, t.Name, statusIcon(t.Status), t.Annotations.Purpose, security))
		}
		sb.WriteString("\n")
	}

	if summary.Failed > 0 {
		sb.WriteString("## Failure Details\n\n")
		for _, t := range summary.Results {
			if t.Status == "fail" {
				sb.WriteString(fmt.Sprintf("### %s (%s)\n", t.Name, t.Package))
				sb.WriteString("```\n")
				sb.WriteString(t.Failure)
				sb.WriteString("\n```\n\n")
			}
		}
	}

	sb.WriteString("---\n*Report generated by OpenAuth test infrastructure*\n")

	os.MkdirAll(filepath.Dir(path), 0755)
	os.WriteFile(path, []byte(sb.String()), 0644)
}

func saveHTML(summary ReportSummary, path string, title string) {
	statusClass := "status-pass"
	statusText := "PASSED"
	if summary.Failed > 0 {
		statusClass = "status-fail"
		statusText = "FAILED"
	}

	rate := 0.0
	if summary.Total > 0 {
		rate = float64(summary.Passed) / float64(summary.Total) * 100
	}

	var sb strings.Builder
	sb.WriteString(`<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>OpenAuth - ` + title + `</title>
    <style>
        :root {
            --primary: #2563eb;
            --success: #10b981;
            --danger: #ef4444;
            --warning: #f59e0b;
            --bg: #f8fafc;
            --text: #1e293b;
            --border: #e2e8f0;
        }
        body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, sans-serif; background: var(--bg); color: var(--text); line-height: 1.5; margin: 0; padding: 2rem; }
        .container { max-width: 1000px; margin: 0 auto; background: white; padding: 2rem; border-radius: 8px; box-shadow: 0 1px 3px rgba(0,0,0,0.1); }
        h1 { margin-top: 0; border-bottom: 2px solid var(--border); padding-bottom: 0.5rem; }
        .meta { color: #64748b; margin-bottom: 2rem; }
        .status-badge { display: inline-block; padding: 0.25rem 0.75rem; border-radius: 9999px; font-weight: 600; font-size: 0.875rem; }
        .status-pass { background: #dcfce7; color: #166534; }
        .status-fail { background: #fee2e2; color: #991b1b; }
        .summary-grid { display: grid; grid-template-columns: repeat(auto-fit, minmax(150px, 1fr)); gap: 1rem; margin-bottom: 2rem; }
        .summary-card { background: var(--bg); padding: 1rem; border-radius: 6px; text-align: center; border: 1px solid var(--border); }
        .summary-val { display: block; font-size: 1.5rem; font-weight: 700; }
        .summary-label { font-size: 0.75rem; text-transform: uppercase; color: #64748b; letter-spacing: 0.05em; }
        table { width: 100%; border-collapse: collapse; margin-top: 1rem; }
        th { text-align: left; background: #f1f5f9; padding: 0.75rem; border-bottom: 2px solid var(--border); }
        td { padding: 0.75rem; border-bottom: 1px solid var(--border); font-size: 0.875rem; vertical-align: top; }
        .col-id { width: 100px; color: #64748b; font-family: ui-monospace, SFMono-Regular, monospace; font-size: 0.75rem; word-break: break-all; }
        .col-name { width: 250px; font-weight: 500; word-break: break-all; }
        .col-status { width: 80px; text-align: center; }
        .col-purpose { min-width: 250px; }
        .col-security { width: 200px; }
        .cat-header { background: #f8fafc; padding: 0.5rem 1rem; margin-top: 2rem; border-left: 4px solid var(--primary); font-weight: 600; }
        .failure-box { background: #0f172a; color: #f8fafc; padding: 1rem; border-radius: 4px; overflow-x: auto; font-family: ui-monospace, SFMono-Regular, Menlo, Monaco, Consolas, monospace; font-size: 0.75rem; margin-bottom: 1rem; }
        .security-mark { color: var(--warning); font-weight: 600; }
        .status-icon { font-size: 1.125rem; }
    </style>
</head>
<body>
    <div class="container">
        <h1>` + title + `</h1>
        <div class="meta">
            Generated at: ` + summary.GeneratedAt.Format("2006-01-02 15:04:05 MST") + ` |
            Status: <span class="status-badge ` + statusClass + `">` + statusText + `</span>
        </div>

        <div class="summary-grid">
            <div class="summary-card"><span class="summary-val">` + fmt.Sprint(summary.Total) + `</span><span class="summary-label">Total</span></div>
            <div class="summary-card"><span class="summary-val" style="color: var(--success)">` + fmt.Sprint(summary.Passed) + `</span><span class="summary-label">Passed</span></div>
            <div class="summary-card"><span class="summary-val" style="color: var(--danger)">` + fmt.Sprint(summary.Failed) + `</span><span class="summary-label">Failed</span></div>
            <div class="summary-card"><span class="summary-val">` + fmt.Sprint(summary.Skipped) + `</span><span class="summary-label">Skipped</span></div>
            <div class="summary-card"><span class="summary-val">` + fmt.Sprintf("%.1f%%", rate) + `</span><span class="summary-label">Pass Rate</span></div>
        </div>

        <h2>Test Results</h2>`)

	categories := groupByCategory(summary.Results)
	for _, cat := range categoryOrder {
		tests, ok := categories[cat]
		if !ok || len(tests) == 0 {
			continue
		}

		sb.WriteString(`<div class="cat-header">` + cat + `</div>
        <table>
            <thead>
                <tr>
                    <th class="col-id">ID</th>
                    <th class="col-name">Test Name</th>
                    <th class="col-status">Status</th>
                    <th class="col-purpose">Purpose</th>
                    <th class="col-security">Security</th>
                </tr>
            </thead>
            <tbody>`)
		for _, t := range tests {
			security := t.Annotations.Security
			if security != "" {
				security = `<span class="security-mark">🛡️ ` + security + `</span>`
			}
			sb.WriteString(`<tr>
                    <td class="col-id">` + t.Annotations.TestCaseID + `</td>
                    <td class="col-name"><code>` + t.Name + `</code></td>
                    <td class="col-status"><span class="status-icon">` + statusIcon(t.Status) + `</span></td>
                    <td class="col-purpose">` + t.Annotations.Purpose + `</td>
                    <td class="col-security">` + security + `</td>
                </tr>`)
		}
		sb.WriteString(`</tbody></table>`)
	}

	if summary.Failed > 0 {
		sb.WriteString(`<h2>Failure Details</h2>`)
		for _, t := range summary.Results {
			if t.Status == "fail" {
				sb.WriteString(`<h3>` + t.Name + `</h3>
                <div class="failure-box"><pre>` + t.Failure + `</pre></div>`)
			}
		}
	}

	sb.WriteString(`
        <p style="margin-top: 3rem; color: #64748b; font-size: 0.75rem; text-align: center;">
            &copy; ` + fmt.Sprint(time.Now().Year()) + ` OpenAuth Project | Generated by test infrastructure
        </p>
    </div>
</body>
</html>`)

	os.MkdirAll(filepath.Dir(path), 0755)
	os.WriteFile(path, []byte(sb.String()), 0644)
}
