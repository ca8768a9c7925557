package config

import (
	"fmt"
	"strings"
)

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one configuration problem found by ValidatePipeline.
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

var knownTransforms = map[string]bool{
	"standardize":  true,
	"geo_defaults": true,
}

var knownStorage = map[string]bool{
	"sqlite":   true,
	"postgres": true,
	"mssql":    true,
}

// ValidatePipeline checks p and returns every problem found.
// Any issue with SeverityError must stop the run.
func ValidatePipeline(p Pipeline) []Issue {
	var issues []Issue
	add := func(sev Severity, path, format string, a ...any) {
		issues = append(issues, Issue{Severity: sev, Path: path, Message: fmt.Sprintf(format, a...)})
	}

	switch p.Source.Kind {
	case "file":
		if p.Source.File == nil || strings.TrimSpace(p.Source.File.Path) == "" {
			add(SeverityError, "source.file.path", "required when source.kind=file")
		}
	case "s3":
		if p.Source.S3 == nil {
			add(SeverityError, "source.s3", "required when source.kind=s3")
			break
		}
		if strings.TrimSpace(p.Source.S3.Bucket) == "" {
			add(SeverityError, "source.s3.bucket", "must not be empty")
		}
		if strings.TrimSpace(p.Source.S3.Key) == "" {
			add(SeverityError, "source.s3.key", "must not be empty")
		}
	case "http":
		if p.Source.HTTP == nil {
			add(SeverityError, "source.http", "required when source.kind=http")
			break
		}
		u := strings.TrimSpace(p.Source.HTTP.URL)
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			add(SeverityError, "source.http.url", "must be an http(s) URL")
		}
		if p.Source.HTTP.MaxAttempts < 0 {
			add(SeverityError, "source.http.max_attempts", "must be >= 0")
		}
	case "":
		add(SeverityError, "source.kind", "must be set (file, s3 or http)")
	default:
		add(SeverityError, "source.kind", "unsupported kind %q", p.Source.Kind)
	}

	switch p.Parser.Kind {
	case "csv":
	case "json":
		if len(p.Parser.Options.StringSlice("columns")) == 0 {
			add(SeverityError, "parser.options.columns", "json parser needs the column layout")
		}
	default:
		add(SeverityError, "parser.kind", "must be csv or json, got %q", p.Parser.Kind)
	}

	for i, t := range p.Transform {
		if !knownTransforms[t.Kind] {
			add(SeverityError, fmt.Sprintf("transform[%d].kind", i), "unknown transform %q", t.Kind)
		}
	}

	if len(p.Hierarchy.Levels) == 0 {
		add(SeverityError, "hierarchy.levels", "must list at least one level")
	}
	seen := map[string]bool{}
	for i, l := range p.Hierarchy.Levels {
		path := fmt.Sprintf("hierarchy.levels[%d]", i)
		if strings.TrimSpace(l) == "" {
			add(SeverityError, path, "must not be empty")
			continue
		}
		if seen[l] {
			add(SeverityError, path, "duplicate level %q", l)
		}
		seen[l] = true
	}

	if p.Output == nil && p.Storage == nil {
		add(SeverityWarning, "output", "neither output nor storage configured; result goes to stdout")
	}
	if p.Output != nil && strings.TrimSpace(p.Output.Path) == "" {
		add(SeverityError, "output.path", "must not be empty")
	}

	if p.Storage != nil {
		if !knownStorage[p.Storage.Kind] {
			add(SeverityError, "storage.kind", "unsupported kind %q", p.Storage.Kind)
		}
		if strings.TrimSpace(p.Storage.DB.DSN) == "" {
			add(SeverityError, "storage.db.dsn", "must not be empty")
		}
		if strings.TrimSpace(p.Storage.DB.Table) == "" {
			add(SeverityError, "storage.db.table", "must not be empty")
		}
	}

	if p.Runtime.TransformWorkers < 0 {
		add(SeverityError, "runtime.transform_workers", "must be >= 0")
	}
	if p.Runtime.BatchSize < 0 {
		add(SeverityError, "runtime.batch_size", "must be >= 0")
	}

	return issues
}

// HasErrors reports whether issues contains at least one SeverityError.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}
