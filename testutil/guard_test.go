package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type recorder struct{ msg string }

func (r *recorder) Fatalf(format string, args ...any) { r.msg = fmt.Sprintf(format, args...) }

func TestPredicates(t *testing.T) {
	cases := []struct {
		pred func(string) bool
		in   string
		want bool
	}{
		{DomainImport, "taxonmap/pkg/domain", true},
		{DomainImport, "example.com/mod/pkg/domain@v1", true},
		{DomainImport, "taxonmap/pkg/domainx", false},
		{InternalImport, "taxonmap/internal/core", true},
		{InternalImport, "taxonmap/pkg/domain", false},
		{Under("taxonmap/internal/infra"), "taxonmap/internal/infra", true},
		{Under("taxonmap/internal/infra"), "taxonmap/internal/infra/remote/rest", true},
		{Under("taxonmap/internal/infra"), "taxonmap/internal/infrastructure", false},
		{AnyOf(DomainImport, InternalImport), "taxonmap/internal/config", true},
		{AnyOf(), "taxonmap/internal/config", false},
	}
	for i, c := range cases {
		if got := c.pred(c.in); got != c.want {
			t.Fatalf("case %d (%q): got %v want %v", i, c.in, got, c.want)
		}
	}
}

func writeFile(t *testing.T, dir, name, src string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(src), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestDirectImports(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.go", "package tmp\nimport (\n\t\"fmt\"\n\t\"taxonmap/internal/core\"\n)\nvar _ = fmt.Sprint\nvar _ core.Tier\n")
	writeFile(t, dir, "a_test.go", "package tmp\nimport \"taxonmap/internal/config\"\n")
	writeFile(t, dir, "notes.txt", "import \"taxonmap/internal/blob\"")

	viols, err := directImports(dir, InternalImport)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(viols) != 1 || viols[0] != "taxonmap/internal/core (in a.go)" {
		t.Fatalf("unexpected violations %v", viols)
	}

	AssertNoDirectImports(t, dir, DomainImport, "no domain imports here")

	if _, err := directImports(filepath.Join(dir, "missing"), InternalImport); err == nil {
		t.Fatalf("expected error for missing dir")
	}
	writeFile(t, dir, "broken.go", "package tmp\nimport (")
	if _, err := directImports(dir, InternalImport); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestReport(t *testing.T) {
	var r recorder
	report(&r, "forbidden thing", "reason", nil)
	if r.msg != "" {
		t.Fatalf("unexpected failure %q", r.msg)
	}
	report(&r, "forbidden thing", "reason", []string{"a", "b"})
	if !strings.Contains(r.msg, "forbidden thing (reason)") || !strings.HasSuffix(r.msg, "a\nb") {
		t.Fatalf("unexpected message %q", r.msg)
	}
}

func TestDomainHasNoInternalDependencies(t *testing.T) {
	AssertNoTransitiveDependency(t, Module+"/pkg/domain", InternalImport, "domain stays free of implementation packages")
}
