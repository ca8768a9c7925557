// Command probe samples a metadata file and prints a hierarchy pipeline
// config for cmd/hierarchy, or a uniqueness report of the level columns.
//
//	probe -path metadata.tsv.gz [-name gisaid] [-backend postgres] [-levels region,country]
//	probe -path s3://bucket/metadata.tsv -report
//	probe -path https://example.org/metadata.tsv.zst
//
// # DSN overrides
//
// The generated storage DSN is a placeholder. It can be replaced with:
//
//  1. -dsn "<dsn>"
//  2. DSN="<dsn>"
//  3. DSN_HOST / DSN_PORT / DSN_USER / DSN_PASSWORD / DSN_DB plus
//     DSN_SSLMODE (postgres), DSN_ENCRYPT (mssql), DSN_SQLITE (sqlite) and
//     DSN_PARAMS for extra query parameters.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"geometa/internal/config"
	"geometa/internal/probe"
)

func main() {
	config.LoadEnv()
	os.Exit(runMain(context.Background(), os.Args[1:], os.Stdout, os.Stderr, probe.Probe))
}

type probeFn func(ctx context.Context, opt probe.Options) (probe.Result, error)

func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, run probeFn) int {
	fs := flag.NewFlagSet("probe", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		path    = fs.String("path", "", "local path, '-' for stdin, http(s) URL or s3://bucket/key (.gz/.zst are decompressed)")
		maxB    = fs.Int("bytes", 64<<10, "number of bytes to sample from the start of the input")
		name    = fs.String("name", "metadata", "dataset name used for job, output and table names")
		backend = fs.String("backend", "", "storage backend for the generated config: postgres|mssql|sqlite (empty: file output only)")
		levels  = fs.String("levels", "", "comma-separated candidate levels (default region,country,division,location)")
		report  = fs.Bool("report", false, "print the uniqueness report instead of the config")
		pretty  = fs.Bool("pretty", true, "pretty-print JSON output")
		dsn     = fs.String("dsn", "", "override the storage DSN (highest priority)")
	)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if strings.TrimSpace(*path) == "" {
		fmt.Fprintln(stderr, "usage: probe -path <file|url|s3://bucket/key> [-name n] [-backend b] [-levels a,b] [-report]")
		return 2
	}

	src, err := sourceFromPath(*path)
	if err != nil {
		fmt.Fprintf(stderr, "probe: %v\n", err)
		return 2
	}

	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	res, err := run(ctx, probe.Options{
		Source:   src,
		MaxBytes: *maxB,
		Name:     *name,
		Backend:  *backend,
		Levels:   splitCSV(*levels),
	})
	if err != nil {
		fmt.Fprintf(stderr, "probe: %v\n", err)
		return 1
	}

	if *report {
		fmt.Fprintln(stdout, res.Report)
		if len(res.Skipped) > 0 {
			fmt.Fprintf(stdout, "skipped levels:\t%s\n", strings.Join(res.Skipped, ","))
		}
		return 0
	}

	p := res.Pipeline
	if p.Storage != nil {
		override, ok, err := resolveDSNOverride(p.Storage.Kind, strings.TrimSpace(*dsn))
		if err != nil {
			fmt.Fprintf(stderr, "dsn override: %v\n", err)
			return 1
		}
		if ok {
			p.Storage.DB.DSN = override
		}
	}

	enc := json.NewEncoder(stdout)
	if *pretty {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(p); err != nil {
		fmt.Fprintf(stderr, "encode config: %v\n", err)
		return 1
	}
	return 0
}

// sourceFromPath maps s3://bucket/key to an s3 source, http(s) URLs to an
// http source and anything else to a file source.
func sourceFromPath(p string) (config.Source, error) {
	if strings.HasPrefix(p, "http://") || strings.HasPrefix(p, "https://") {
		return config.Source{Kind: "http", HTTP: &config.HTTPSource{URL: p}}, nil
	}
	if !strings.HasPrefix(p, "s3://") {
		return config.Source{Kind: "file", File: &config.FileSource{Path: p}}, nil
	}
	u, err := url.Parse(p)
	if err != nil {
		return config.Source{}, fmt.Errorf("parse %q: %w", p, err)
	}
	key := strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || key == "" {
		return config.Source{}, fmt.Errorf("s3 path %q must be s3://bucket/key", p)
	}
	return config.Source{Kind: "s3", S3: &config.S3Source{Bucket: u.Host, Key: key}}, nil
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// resolveDSNOverride returns the DSN to put in the generated config, if any
// override is configured. Precedence: flag, DSN, DSN_* components.
func resolveDSNOverride(backend, flagDSN string) (dsn string, ok bool, err error) {
	if flagDSN != "" {
		return flagDSN, true, nil
	}
	if v := strings.TrimSpace(os.Getenv("DSN")); v != "" {
		return v, true, nil
	}

	host := strings.TrimSpace(os.Getenv("DSN_HOST"))
	port := strings.TrimSpace(os.Getenv("DSN_PORT"))
	user := strings.TrimSpace(os.Getenv("DSN_USER"))
	pass := os.Getenv("DSN_PASSWORD")
	db := strings.TrimSpace(os.Getenv("DSN_DB"))
	params := strings.TrimSpace(os.Getenv("DSN_PARAMS"))
	sslmode := strings.TrimSpace(os.Getenv("DSN_SSLMODE"))
	encrypt := strings.TrimSpace(os.Getenv("DSN_ENCRYPT"))
	sqlitePath := strings.TrimSpace(os.Getenv("DSN_SQLITE"))

	if host == "" && port == "" && user == "" && pass == "" && db == "" && params == "" && sslmode == "" && encrypt == "" && sqlitePath == "" {
		return "", false, nil
	}

	switch backend {
	case "postgres":
		u := &url.URL{
			Scheme: "postgresql",
			User:   url.UserPassword(orDefault(user, "user"), orDefault(pass, "password")),
			Host:   orDefault(host, "postgres") + ":" + orDefault(port, "5432"),
			Path:   "/" + orDefault(db, "geometa"),
		}
		q := u.Query()
		q.Set("sslmode", orDefault(sslmode, "disable"))
		appendRawParams(q, params)
		u.RawQuery = q.Encode()
		return u.String(), true, nil

	case "mssql":
		u := &url.URL{
			Scheme: "sqlserver",
			User:   url.UserPassword(orDefault(user, "user"), orDefault(pass, "password")),
			Host:   orDefault(host, "mssql") + ":" + orDefault(port, "1433"),
		}
		q := u.Query()
		q.Set("database", orDefault(db, "geometa"))
		q.Set("encrypt", orDefault(encrypt, "disable"))
		appendRawParams(q, params)
		u.RawQuery = q.Encode()
		return u.String(), true, nil

	case "sqlite":
		return buildSQLiteDSN(sqlitePath, params), true, nil

	default:
		return "", false, fmt.Errorf("unsupported backend for DSN override: %q", backend)
	}
}

// buildSQLiteDSN treats a value containing ':' as a full DSN and anything
// else as a file path. Empty means geometa.db in the working directory.
func buildSQLiteDSN(base, extraParams string) string {
	if base == "" {
		base = "geometa.db"
	}
	if !strings.Contains(base, ":") {
		base = "file:" + base
	}
	if extraParams == "" {
		return base
	}
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + extraParams
}

// appendRawParams merges DSN_PARAMS (k=v&k2=v2, no leading '?') into q.
// A malformed value is ignored.
func appendRawParams(q url.Values, raw string) {
	if raw == "" {
		return
	}
	parsed, err := url.ParseQuery(raw)
	if err != nil {
		return
	}
	for k, vals := range parsed {
		if strings.TrimSpace(k) == "" {
			continue
		}
		for _, v := range vals {
			q.Add(k, v)
		}
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
