package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"taxonmap/pkg/domain"
)

type decoded struct {
	Resolved map[domain.Key]domain.Record `json:"resolved"`
	Failed   []domain.Key                 `json:"failed"`
	States   map[domain.Key]string        `json:"states"`
}

func memoryEnv(t *testing.T) {
	t.Helper()
	t.Setenv("TAXONMAP_STORAGE_DRIVER", "memory")
	t.Setenv("TAXONMAP_SNAPSHOT_DRIVER", "memory")
	t.Setenv("TAXONMAP_LOG_LEVEL", "warn")
}

func invoke(t *testing.T, stdin string, args ...string) (int, decoded, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := cli(context.Background(), args, strings.NewReader(stdin), &stdout, &stderr)
	var out decoded
	if stdout.Len() > 0 {
		if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
			t.Fatalf("decode output %q: %v", stdout.String(), err)
		}
	}
	return code, out, stderr.String()
}

func writeRecords(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "records.jsonl")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600); err != nil {
		t.Fatalf("write records: %v", err)
	}
	return path
}

func TestCLIUsageErrors(t *testing.T) {
	memoryEnv(t)
	cases := [][]string{
		{"-nope"},
		{"bogus"},
		{"-want", "rank", "id:562"},
	}
	for _, args := range cases {
		if code, _, _ := invoke(t, "", args...); code != exitUsage {
			t.Fatalf("%v: expected usage exit, got %d", args, code)
		}
	}
}

func TestCLIConfigError(t *testing.T) {
	memoryEnv(t)
	t.Setenv("TAXONMAP_STORAGE_DRIVER", "mongo")
	code, _, stderr := invoke(t, "", "id:562")
	if code != exitUsage || !strings.Contains(stderr, "unknown storage driver") {
		t.Fatalf("expected config usage error, got %d %q", code, stderr)
	}
}

func TestCLIResolvesLoadedRecords(t *testing.T) {
	memoryEnv(t)
	records := writeRecords(t,
		`{"id":562,"names":["E. coli"],"accessions":{"refseq":"NC_000913"}}`,
		`{"id":1423,"names":["Bacillus subtilis"]}`,
	)
	code, out, stderr := invoke(t, "", "-load", records, "-want", "id,name", "id:562", "acc:NC_000913")
	if code != exitOK {
		t.Fatalf("expected success, got %d: %s", code, stderr)
	}
	for _, k := range []domain.Key{domain.NumericID(562), domain.Accession("NC_000913")} {
		rec, ok := out.Resolved[k]
		if !ok || rec.ID != 562 || rec.Names[0] != "E. coli" {
			t.Fatalf("unexpected record for %s: %+v", k, out.Resolved)
		}
		if out.States[k] != "cache_hit" {
			t.Fatalf("expected cache hit for %s, got %q", k, out.States[k])
		}
	}
}

func TestCLIReadsKeysFromStdin(t *testing.T) {
	memoryEnv(t)
	records := writeRecords(t, `{"id":9606,"names":["Homo sapiens"]}`)
	code, out, _ := invoke(t, "# taxa\nname:Homo sapiens\n\nid:10090\n", "-load", records)
	if code != exitUnresolved {
		t.Fatalf("expected unresolved exit, got %d", code)
	}
	if out.Resolved[domain.Name("Homo sapiens")].ID != 9606 {
		t.Fatalf("expected stdin key resolved, got %+v", out.Resolved)
	}
	if len(out.Failed) != 1 || out.Failed[0] != domain.NumericID(10090) {
		t.Fatalf("expected id:10090 to fail, got %v", out.Failed)
	}
}

func TestCLISnapshotRoundTrip(t *testing.T) {
	memoryEnv(t)
	t.Setenv("TAXONMAP_SNAPSHOT_DRIVER", "fs")
	t.Setenv("TAXONMAP_SNAPSHOT_FS_ROOT", t.TempDir())
	records := writeRecords(t, `{"id":562,"names":["E. coli"]}`)

	if code, _, stderr := invoke(t, "", "-load", records, "-export", "id:562"); code != exitOK {
		t.Fatalf("export run failed with %d: %s", code, stderr)
	}
	code, out, stderr := invoke(t, "", "-warm", "name:E. coli")
	if code != exitOK {
		t.Fatalf("warm run failed with %d: %s", code, stderr)
	}
	if out.Resolved[domain.Name("E. coli")].ID != 562 {
		t.Fatalf("expected snapshot record, got %+v", out.Resolved)
	}
}

func TestCLIMetrics(t *testing.T) {
	memoryEnv(t)
	t.Setenv("TAXONMAP_METRICS", "true")
	code, _, stderr := invoke(t, "", "id:562")
	if code != exitUnresolved {
		t.Fatalf("expected unresolved exit, got %d", code)
	}
	if !strings.Contains(stderr, "taxonmap_resolve_duration_seconds") {
		t.Fatalf("expected metrics on stderr, got %q", stderr)
	}
}

func TestCLIBadRecordsFile(t *testing.T) {
	memoryEnv(t)
	records := writeRecords(t, `{"id":562}`, `{broken`)
	if code, _, _ := invoke(t, "", "-load", records, "id:562"); code != exitError {
		t.Fatalf("expected failure exit, got %d", code)
	}
	if code, _, _ := invoke(t, "", "-load", filepath.Join(t.TempDir(), "missing"), "id:562"); code != exitError {
		t.Fatalf("expected failure exit, got %d", code)
	}
}

func TestMainUsesExitFunc(t *testing.T) {
	memoryEnv(t)
	var codes []int
	old := exitFunc
	exitFunc = func(code int) { codes = append(codes, code) }
	defer func() { exitFunc = old }()
	oldArgs := os.Args
	defer func() { os.Args = oldArgs }()

	os.Args = []string{"taxonmap", "-nope"}
	main()
	if len(codes) != 1 || codes[0] != exitUsage {
		t.Fatalf("unexpected exit codes: %v", codes)
	}
}
