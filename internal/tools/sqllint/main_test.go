package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeGo(t *testing.T, dir, name, src string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(src), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLintStatementsInRepo(t *testing.T) {
	violations, err := lint([]string{filepath.Join("..", "..", "sqlinline")})
	if err != nil {
		t.Fatalf("lint: %v", err)
	}
	for _, v := range violations {
		t.Errorf("%s:%d %s (%s)", v.file, v.line, v.message, v.name)
	}
}

func TestLintFlagsMissingMarker(t *testing.T) {
	dir := t.TempDir()
	writeGo(t, dir, "q.go", "package q\n\nconst QBad = `select 1 from generation_jobs;`\n\nconst cols = `id, status`\n")
	violations, err := lint([]string{dir})
	if err != nil {
		t.Fatalf("lint: %v", err)
	}
	if len(violations) != 1 || violations[0].name != "QBad" {
		t.Fatalf("violations = %+v", violations)
	}
}

func TestLintFlagsDuplicateMarker(t *testing.T) {
	dir := t.TempDir()
	marker := "--sql 11111111-2222-4333-8444-555555555555\n"
	writeGo(t, dir, "a.go", "package q\n\nconst QOne = `"+marker+"select 1;`\n")
	writeGo(t, dir, "b.go", "package q\n\nconst cols = `id`\n\nconst QTwo = `"+marker+"select ` + cols + ` from t;`\n")
	violations, err := lint([]string{dir})
	if err != nil {
		t.Fatalf("lint: %v", err)
	}
	if len(violations) != 1 || violations[0].name != "QTwo" || !strings.Contains(violations[0].message, "QOne") {
		t.Fatalf("violations = %+v", violations)
	}
}
