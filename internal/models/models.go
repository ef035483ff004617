package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidSource is returned when a Source fails validation.
var ErrInvalidSource = errors.New("invalid source")

// SourceKind tags which field of a Source carries the document.
type SourceKind string

const (
	SourceFile    SourceKind = "file"
	SourceBytes   SourceKind = "bytes"
	SourceText    SourceKind = "text"
	SourceRecords SourceKind = "records"
	SourceObject  SourceKind = "object"
)

// Source is the single input type accepted by the orchestrator.
// Exactly the fields belonging to Kind are meaningful.
type Source struct {
	Kind        SourceKind       `json:"kind"`
	Name        string           `json:"name"`
	Path        string           `json:"path,omitempty"`         // file
	Data        []byte           `json:"-"`                      // bytes
	Text        string           `json:"-"`                      // text
	Records     []map[string]any `json:"-"`                      // records
	Bucket      string           `json:"bucket,omitempty"`       // object
	Key         string           `json:"key,omitempty"`          // object
	ContentType string           `json:"content_type,omitempty"` // hint for backend selection
}

func FileSource(path string) Source {
	return Source{Kind: SourceFile, Name: path, Path: path}
}

func BytesSource(name string, data []byte, contentType string) Source {
	return Source{Kind: SourceBytes, Name: name, Data: data, ContentType: contentType}
}

func TextSource(name, text string) Source {
	return Source{Kind: SourceText, Name: name, Text: text, ContentType: "text/plain"}
}

func RecordsSource(name string, records []map[string]any) Source {
	return Source{Kind: SourceRecords, Name: name, Records: records}
}

func ObjectSource(bucket, key string) Source {
	return Source{Kind: SourceObject, Name: key, Bucket: bucket, Key: key}
}

// Validate checks that the kind-specific fields are populated.
func (s Source) Validate() error {
	switch s.Kind {
	case SourceFile:
		if s.Path == "" {
			return fmt.Errorf("%w: file source without path", ErrInvalidSource)
		}
	case SourceBytes:
		if s.Data == nil {
			return fmt.Errorf("%w: bytes source without data", ErrInvalidSource)
		}
	case SourceText:
		// empty text is a valid, empty document
	case SourceRecords:
		if s.Records == nil {
			return fmt.Errorf("%w: records source without records", ErrInvalidSource)
		}
	case SourceObject:
		if s.Bucket == "" || s.Key == "" {
			return fmt.Errorf("%w: object source needs bucket and key", ErrInvalidSource)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidSource, s.Kind)
	}
	return nil
}

// Options tune a processing run.
//
// ExtractTables, ExtractText, Patterns, PatternSet and Params change the output
// and are therefore part of the fingerprint. The remaining fields only steer
// execution and are excluded from it.
type Options struct {
	ExtractTables bool              `json:"extract_tables"`
	ExtractText   bool              `json:"extract_text"`
	Patterns      map[string]string `json:"patterns,omitempty"`
	PatternSet    string            `json:"pattern_set,omitempty"`
	Params        map[string]string `json:"params,omitempty"`

	TenantID      string        `json:"tenant_id,omitempty"`
	TTL           time.Duration `json:"ttl,omitempty"`
	NoCache       bool          `json:"no_cache,omitempty"`
	MaxWorkers    int           `json:"max_workers,omitempty"`
	PageChunkSize int           `json:"page_chunk_size,omitempty"`
	Strategy      string        `json:"strategy,omitempty"` // "", "direct", "streaming"
}

// Fingerprint is the cache identity of a (document, options) pair.
type Fingerprint string

const (
	ContentFingerprintPrefix  = "c1-"
	MetadataFingerprintPrefix = "m1-"
)

// IsDegraded reports whether the fingerprint was built from file metadata
// instead of content.
func (f Fingerprint) IsDegraded() bool {
	return len(f) >= len(MetadataFingerprintPrefix) && string(f[:len(MetadataFingerprintPrefix)]) == MetadataFingerprintPrefix
}

func (f Fingerprint) String() string { return string(f) }

// Table is one table found on a page.
type Table struct {
	Page     int        `json:"page"`
	Rows     int        `json:"rows"`
	Columns  int        `json:"columns"`
	Headers  []string   `json:"headers"`
	Data     [][]string `json:"data"`
	Strategy string     `json:"strategy,omitempty"`
}

// Interval is one entry/exit pair of a stage.
type Interval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// StageMetric accumulates every entry of a named stage.
type StageMetric struct {
	Name            string        `json:"name"`
	Intervals       []Interval    `json:"intervals"`
	Count           int           `json:"count"`
	TotalDuration   time.Duration `json:"total_duration"`
	AverageDuration time.Duration `json:"average_duration"`
}

// PerformanceMetrics is attached to every ProcessingResult.
type PerformanceMetrics struct {
	Stages           []StageMetric `json:"stages"`
	TotalDuration    time.Duration `json:"total_duration"`
	StartMemoryBytes uint64        `json:"start_memory_bytes"`
	PeakMemoryBytes  uint64        `json:"peak_memory_bytes"`
}

// Stage returns the metric for name, if recorded.
func (m PerformanceMetrics) Stage(name string) (StageMetric, bool) {
	for _, s := range m.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return StageMetric{}, false
}

// ProcessingResult is the envelope returned by the orchestrator. Error is
// set instead of raising; Partial marks an early cooperative stop.
type ProcessingResult struct {
	Fingerprint         Fingerprint         `json:"fingerprint"`
	FingerprintDegraded bool                `json:"fingerprint_degraded,omitempty"`
	Source              string              `json:"source"`
	Strategy            string              `json:"strategy,omitempty"`
	PageCount           int                 `json:"page_count"`
	PagesProcessed      int                 `json:"pages_processed"`
	Text                string              `json:"text,omitempty"`
	Tables              []Table             `json:"tables"`
	Matches             map[string][]string `json:"matches"`
	Partial             bool                `json:"partial,omitempty"`
	Warnings            []string            `json:"warnings,omitempty"`
	Error               string              `json:"error,omitempty"`
	Cached              bool                `json:"cached"`
	Metrics             PerformanceMetrics  `json:"metrics"`
}

// CacheRecord is the at-rest shape of a cache entry.
type CacheRecord struct {
	Fingerprint    string          `json:"fingerprint"`
	TenantID       string          `json:"tenant_id"`
	Data           json.RawMessage `json:"data"`
	CreatedAt      time.Time       `json:"created_at"`
	ExpirationTime time.Time       `json:"expiration_time"`
}

// Expired reports whether the record is past its expiration at now.
func (r *CacheRecord) Expired(now time.Time) bool {
	return !now.Before(r.ExpirationTime)
}

// TaskStatus is the lifecycle state of a queued task.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskUnknown   TaskStatus = "unknown"
)

// Finished reports whether the status is terminal.
func (s TaskStatus) Finished() bool {
	return s == TaskCompleted || s == TaskFailed
}

// TaskResult is the pollable view of a task.
type TaskResult struct {
	ID          string     `json:"id"`
	Status      TaskStatus `json:"status"`
	Result      any        `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	SubmittedAt time.Time  `json:"submitted_at,omitempty"`
	StartedAt   time.Time  `json:"started_at,omitempty"`
	FinishedAt  time.Time  `json:"finished_at,omitempty"`
}

// QueueStatus summarises the task registry.
type QueueStatus struct {
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}

// CacheStats reports cache effectiveness.
type CacheStats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Entries int   `json:"entries"`
}
