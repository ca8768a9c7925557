package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"
)

// Pipeline is the top-level job configuration read by cmd/hierarchy.
type Pipeline struct {
	Job       string          `json:"job"`
	Source    Source          `json:"source"`
	Parser    Parser          `json:"parser"`
	Transform []Transform     `json:"transform"`
	Hierarchy HierarchyConfig `json:"hierarchy"`
	Output    *Output         `json:"output,omitempty"`
	Storage   *Storage        `json:"storage,omitempty"`
	Runtime   RuntimeConfig   `json:"runtime"`
}

type Source struct {
	Kind string      `json:"kind"` // "file" | "s3" | "http"
	File *FileSource `json:"file,omitempty"`
	S3   *S3Source   `json:"s3,omitempty"`
	HTTP *HTTPSource `json:"http,omitempty"`
}

type FileSource struct {
	Path string `json:"path"`
}

// S3Source names an object in an S3-compatible store. Credentials and the
// endpoint default to the S3_* environment variables.
type S3Source struct {
	Endpoint string `json:"endpoint,omitempty"`
	Region   string `json:"region,omitempty"`
	Bucket   string `json:"bucket"`
	Key      string `json:"key"`
	UseSSL   *bool  `json:"use_ssl,omitempty"`
}

// HTTPSource downloads the metadata file. Throttling and server errors are
// retried up to MaxAttempts (default 4).
type HTTPSource struct {
	URL         string `json:"url"`
	MaxAttempts int    `json:"max_attempts,omitempty"`
}

type Parser struct {
	Kind    string  `json:"kind"` // "csv" | "json"
	Options Options `json:"options"`
}

// Transform is one record-level step applied before extraction.
// Kinds: "standardize", "geo_defaults".
type Transform struct {
	Kind    string  `json:"kind"`
	Options Options `json:"options"`
}

type HierarchyConfig struct {
	Levels []string `json:"levels"`
}

// Output writes the hierarchy table as a delimited file.
type Output struct {
	Path  string `json:"path"`
	Comma string `json:"comma,omitempty"` // default tab
}

type Storage struct {
	Kind string `json:"kind"` // "sqlite" | "postgres" | "mssql"
	DB   DB     `json:"db"`
}

type DB struct {
	DSN   string `json:"dsn"`
	Table string `json:"table"`
}

// RuntimeConfig controls pipeline execution behavior.
type RuntimeConfig struct {
	TransformWorkers int `json:"transform_workers"`
	ChannelBuffer    int `json:"channel_buffer"`
	BatchSize        int `json:"batch_size"`
}

// Decode reads a Pipeline from r. Unknown fields are rejected.
func Decode(r io.Reader) (Pipeline, error) {
	var p Pipeline
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return Pipeline{}, fmt.Errorf("decode config: %w", err)
	}
	return p, nil
}

// Load reads and decodes the pipeline config at path.
func Load(path string) (Pipeline, error) {
	f, err := os.Open(path)
	if err != nil {
		return Pipeline{}, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

// LoadEnv loads a .env file from the working directory, if present, into the
// process environment. Variables already set are not overwritten.
func LoadEnv(files ...string) {
	_ = godotenv.Load(files...)
}
