package stats

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

type Stage string

const (
	StageExport Stage = "export"
	StageMbox   Stage = "mbox"
	StageIMAP   Stage = "imap"
)

type EventType string

const (
	EventTypePage     EventType = "page"
	EventTypeSaved    EventType = "saved"
	EventTypeFiltered EventType = "filtered"
	EventTypeMirrored EventType = "mirrored"
	EventTypeError    EventType = "error"
)

// Event is a single observation emitted while exporting. Count carries the
// number of messages on a fetched page; Bytes the size of a saved message.
type Event struct {
	Stage     Stage
	Type      EventType
	MessageID string
	Subject   string
	Path      string
	Count     int
	Bytes     int64
	Err       error
	Detail    string
}

type Summary struct {
	Pages     int
	Listed    int
	Saved     int
	Filtered  int
	Mirrored  int
	Errors    int
	Bytes     int64
	LastError error
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"pages", s.Pages,
		"listed", s.Listed,
		"saved", s.Saved,
		"filtered", s.Filtered,
		"mirrored", s.Mirrored,
		"errors", s.Errors,
		"bytes", HumanBytes(s.Bytes),
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

// HumanBytes renders a byte count the way summaries print it.
func HumanBytes(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.Bytes(uint64(n))
}

type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			c.Apply(evt)
		}
	}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	c.mu.Unlock()
	return summary
}

// Apply folds a single event into the summary.
func (c *Collector) Apply(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypePage:
		c.summary.Pages++
		c.summary.Listed += evt.Count
	case EventTypeSaved:
		c.summary.Saved++
		c.summary.Bytes += evt.Bytes
	case EventTypeFiltered:
		c.summary.Filtered++
	case EventTypeMirrored:
		c.summary.Mirrored++
	case EventTypeError:
		c.summary.Errors++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	}
}

type EventStream interface {
	SubscribeStats(name string, fn func(context.Context, <-chan Event) error)
}

type Reporter struct {
	collector *Collector
	logger    *slog.Logger
	started   time.Time
}

func NewReporter(stream EventStream, logger *slog.Logger) *Reporter {
	reporter := &Reporter{
		collector: NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}
	stream.SubscribeStats("stats-reporter", reporter.consume)
	return reporter
}

func (r *Reporter) consume(ctx context.Context, events <-chan Event) error {
	r.collector.Run(ctx, events)
	summary := r.collector.Snapshot()
	attrs := append(summary.LogAttrs(), "duration", time.Since(r.started))
	if ctx.Err() != nil {
		if r.logger != nil {
			r.logger.Debug("stats collection stopped", append(attrs, "err", ctx.Err())...)
		}
		return ctx.Err()
	}
	if r.logger != nil {
		r.logger.Info("stats summary", attrs...)
	}
	return nil
}

func (r *Reporter) Summary() Summary {
	return r.collector.Snapshot()
}

// Count is one tallied value.
type Count struct {
	Key string
	N   int
}

// TopCounts returns the entries of m by descending count, ties ordered by
// key. A limit of zero or less returns all of them.
func TopCounts(m map[string]int, limit int) []Count {
	counts := make([]Count, 0, len(m))
	for k, n := range m {
		counts = append(counts, Count{Key: k, N: n})
	}
	sort.Slice(counts, func(i, j int) bool {
		if counts[i].N != counts[j].N {
			return counts[i].N > counts[j].N
		}
		return counts[i].Key < counts[j].Key
	})
	if limit > 0 && len(counts) > limit {
		counts = counts[:limit]
	}
	return counts
}

// PrettyPrintTop writes the top N most frequent items in a map. Ties are
// ordered by key.
func PrettyPrintTop(w io.Writer, m map[string]int, limit int) {
	if limit <= 0 {
		return
	}
	for i, c := range TopCounts(m, limit) {
		fmt.Fprintf(w, "%d. %s (%d)\n", i+1, c.Key, c.N)
	}
}
