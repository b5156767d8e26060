package stats

import (
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"
)

type Stage string

const (
	StageArchive Stage = "archive"
	StageRestore Stage = "restore"
)

type EventType string

const (
	EventTypeFolderSkipped EventType = "folder_skipped"
	EventTypeFiltered      EventType = "filtered"
	EventTypeArchived      EventType = "archived"
	EventTypeAppended      EventType = "appended"
	EventTypeError         EventType = "error"
)

type Event struct {
	Stage  Stage
	Type   EventType
	Folder string
	// Ref is the sequence number or archive label the event refers to.
	Ref    string
	Err    error
	Detail string
}

type Summary struct {
	FoldersSkipped int
	Filtered       int
	Archived       int
	Appended       int
	Errors         int
	LastError      error
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"foldersSkipped", s.FoldersSkipped,
		"filtered", s.Filtered,
		"archived", s.Archived,
		"appended", s.Appended,
		"errors", s.Errors,
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

// Collector counts events. Record is called synchronously by the pipeline;
// the mutex keeps Snapshot safe from other goroutines.
type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Record(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypeFolderSkipped:
		c.summary.FoldersSkipped++
	case EventTypeFiltered:
		c.summary.Filtered++
	case EventTypeArchived:
		c.summary.Archived++
	case EventTypeAppended:
		c.summary.Appended++
	case EventTypeError:
		c.summary.Errors++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	c.mu.Unlock()
	return summary
}

// Reporter wraps a Collector and logs a summary per phase.
type Reporter struct {
	collector *Collector
	logger    *slog.Logger
	started   time.Time
}

func NewReporter(logger *slog.Logger) *Reporter {
	return &Reporter{
		collector: NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}
}

// Start resets the phase timer.
func (r *Reporter) Start() {
	r.started = time.Now()
}

func (r *Reporter) Record(evt Event) {
	r.collector.Record(evt)
	if r.logger != nil {
		r.logger.Debug("stats event", "stage", evt.Stage, "type", evt.Type, "folder", evt.Folder, "ref", evt.Ref)
	}
}

// Finish logs the summary of the phase. err is the error the phase ended
// with, if any.
func (r *Reporter) Finish(stage Stage, err error) Summary {
	summary := r.collector.Snapshot()
	if r.logger == nil {
		return summary
	}
	attrs := append(summary.LogAttrs(), "stage", stage, "duration", time.Since(r.started))
	if err != nil {
		r.logger.Error("stats summary", append(attrs, "err", err)...)
		return summary
	}
	r.logger.Info("stats summary", attrs...)
	return summary
}

func (r *Reporter) Summary() Summary {
	return r.collector.Snapshot()
}

// Pair is a counted value.
type Pair struct {
	Key   string
	Value int
}

// Top returns the items of m sorted by count descending, then by key, cut
// to limit entries. A limit <= 0 returns all items.
func Top(m map[string]int, limit int) []Pair {
	pairs := make([]Pair, 0, len(m))
	for k, v := range m {
		pairs = append(pairs, Pair{k, v})
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Value != pairs[j].Value {
			return pairs[i].Value > pairs[j].Value
		}
		return pairs[i].Key < pairs[j].Key
	})

	if limit > 0 && len(pairs) > limit {
		pairs = pairs[:limit]
	}
	return pairs
}

// PrettyPrintTop prints the top N most frequent items in a map.
func PrettyPrintTop(w io.Writer, m map[string]int, limit int) {
	for i, p := range Top(m, limit) {
		fmt.Fprintf(w, "%d. %s (%d)\n", i+1, p.Key, p.Value)
	}
}
