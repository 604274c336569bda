// Command taxonmap resolves taxon identifiers through the memory cache, the
// local store and the remote authority, printing the result as JSON.
//
// Usage:
//
//	taxonmap [flags] type:value...
//
// Keys are read from standard input, one per line, when none are given.
// Configuration comes from TAXONMAP_* environment variables.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	slogcontext "github.com/veqryn/slog-context"

	"taxonmap/internal/config"
	"taxonmap/internal/core"
	"taxonmap/pkg/domain"
)

// Exit codes.
const (
	exitOK         = 0
	exitError      = 1
	exitUsage      = 2
	exitUnresolved = 3
)

var exitFunc = os.Exit

func main() {
	exitFunc(cli(context.Background(), os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

type options struct {
	want   []domain.KeyType
	load   string
	warm   bool
	export bool
	keys   []domain.Key
}

// output is the JSON document written to stdout.
type output struct {
	core.ResolveResult
	Errors map[domain.Key]string `json:"errors,omitempty"`
}

func cli(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	opts, err := parseArgs(args, stdin, stderr)
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			_, _ = fmt.Fprintf(stderr, "taxonmap: %v\n", err)
		}
		return exitUsage
	}
	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "taxonmap: %v\n", err)
		return exitUsage
	}
	logger, err := cfg.NewLogger(stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "taxonmap: %v\n", err)
		return exitUsage
	}
	ctx = slogcontext.NewCtx(ctx, logger)

	res, err := run(ctx, cfg, opts, stderr)
	if err != nil {
		logger.Error("taxonmap failed", slog.Any("error", err))
		return exitError
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(output{ResolveResult: res, Errors: res.ErrorMessages()}); err != nil {
		return exitError
	}
	if len(res.Failed) > 0 {
		return exitUnresolved
	}
	return exitOK
}

func parseArgs(args []string, stdin io.Reader, stderr io.Writer) (options, error) {
	fs := flag.NewFlagSet("taxonmap", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var opts options
	want := fs.String("want", "", "comma-separated key types every resolved record must carry (id, name, accession)")
	fs.StringVar(&opts.load, "load", "", "JSON-lines file of records to warm the cache with")
	fs.BoolVar(&opts.warm, "warm", false, "warm the cache from the latest snapshot")
	fs.BoolVar(&opts.export, "export", false, "write the cache to a new snapshot after resolving")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	for _, s := range strings.Split(*want, ",") {
		if strings.TrimSpace(s) == "" {
			continue
		}
		kt, err := domain.ParseKeyType(s)
		if err != nil {
			return options{}, err
		}
		opts.want = append(opts.want, kt)
	}
	raw := fs.Args()
	if len(raw) == 0 {
		lines, err := readLines(stdin)
		if err != nil {
			return options{}, fmt.Errorf("read keys: %w", err)
		}
		raw = lines
	}
	for _, s := range raw {
		k, err := domain.ParseKey(s)
		if err != nil {
			return options{}, err
		}
		opts.keys = append(opts.keys, k)
	}
	return opts, nil
}

func run(ctx context.Context, cfg config.Config, opts options, stderr io.Writer) (core.ResolveResult, error) {
	var reg *prometheus.Registry
	if cfg.Metrics {
		reg = prometheus.NewRegistry()
		defer dumpMetrics(reg, stderr)
	}
	resolver, closeStore, err := core.OpenResolver(ctx, cfg, reg)
	if err != nil {
		return core.ResolveResult{}, err
	}
	defer func() { _ = closeStore() }()

	if opts.load != "" {
		records, err := loadRecords(opts.load)
		if err != nil {
			return core.ResolveResult{}, err
		}
		resolver.WarmCache(ctx, records)
	}
	if opts.warm || opts.export {
		snaps, err := core.OpenSnapshots(ctx, cfg.Snapshot)
		if err != nil {
			return core.ResolveResult{}, err
		}
		if opts.warm {
			if _, err := resolver.WarmFromSnapshot(ctx, snaps); err != nil {
				return core.ResolveResult{}, err
			}
		}
		if opts.export {
			defer func() {
				if _, err := resolver.ExportSnapshot(ctx, snaps, cfg.Snapshot.Keep); err != nil {
					slogcontext.FromCtx(ctx).Error("snapshot export failed", slog.Any("error", err))
				}
			}()
		}
	}
	return resolver.Resolve(ctx, opts.keys, opts.want)
}

func loadRecords(path string) ([]domain.Record, error) {
	f, err := os.Open(path) // #nosec G304 -- operator-supplied input file
	if err != nil {
		return nil, fmt.Errorf("open records: %w", err)
	}
	defer func() { _ = f.Close() }()
	dec := json.NewDecoder(f)
	var out []domain.Record
	for {
		var rec domain.Record
		err := dec.Decode(&rec)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%s: record %d: %w", path, len(out)+1, err)
		}
		out = append(out, rec.Normalized())
	}
}

func readLines(r io.Reader) ([]string, error) {
	var out []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" && !strings.HasPrefix(line, "#") {
			out = append(out, line)
		}
	}
	return out, sc.Err()
}

func dumpMetrics(reg *prometheus.Registry, w io.Writer) {
	families, err := reg.Gather()
	if err != nil {
		return
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return
		}
	}
}
