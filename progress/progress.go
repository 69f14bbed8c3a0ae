package progress

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pterm/pterm"

	"github.com/dhcgn/mail-backup/stats"
)

// Bar manages a progress bar for tracking exported messages.
type Bar struct {
	pb      *pterm.ProgressbarPrinter
	total   int
	handled int
	mu      sync.Mutex
	enabled bool
}

// New creates a new progress bar if logLevel is "info" and the folder size
// is known.
func New(folder string, total int, logLevel string) *Bar {
	enabled := logLevel == "info" && total > 0

	bar := &Bar{
		total:   total,
		enabled: enabled,
	}

	if enabled {
		pb, _ := pterm.DefaultProgressbar.
			WithTotal(total).
			WithTitle("Exporting messages").
			Start()

		bar.pb = pb

		pterm.Info.Printf("Messages in %s: %d\n", folder, total)
		pterm.Println()
	}

	return bar
}

// Enabled reports whether the bar renders anything.
func (b *Bar) Enabled() bool {
	return b != nil && b.enabled && b.pb != nil
}

// Update advances the bar for every message the export has handled.
func (b *Bar) Update(evt stats.Event) {
	if !b.Enabled() {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch evt.Type {
	case stats.EventTypeSaved, stats.EventTypeFiltered:
		b.advance(evt.Subject)
	case stats.EventTypeError:
		if evt.Err != nil {
			pterm.Error.Printf("Error: %v\n", evt.Err)
		}
		// mirror failures concern a message that was already counted
		if evt.Stage == stats.StageExport && evt.MessageID != "" {
			b.advance(evt.Subject)
		}
	}
}

func (b *Bar) advance(subject string) {
	b.handled++
	if b.pb.Current >= b.total {
		return
	}
	if subject != "" {
		title := []rune(subject)
		if len(title) > 40 {
			title = append(title[:37], []rune("...")...)
		}
		b.pb.UpdateTitle("Exporting: " + string(title))
	}
	b.pb.Increment()
}

// Stop finalizes the progress bar.
func (b *Bar) Stop() {
	if !b.Enabled() {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pb.Current < b.total {
		b.pb.Current = b.total
	}

	_, _ = b.pb.Stop()
	pterm.Success.Printf("Export complete: %d messages handled\n", b.handled)
}

// Subscriber creates a stats subscriber function that updates the progress bar.
func (b *Bar) Subscriber(ctx context.Context, events <-chan stats.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			b.Update(evt)
		}
	}
}

// ProgressReporter wraps the stats collector with the progress bar and
// prints a summary section once the export is done.
type ProgressReporter struct {
	bar       *Bar
	collector *stats.Collector
	logger    *slog.Logger
	started   time.Time
}

// NewProgressReporter subscribes the bar and a collector when the bar is enabled.
func NewProgressReporter(stream stats.EventStream, bar *Bar, logger *slog.Logger) *ProgressReporter {
	reporter := &ProgressReporter{
		bar:       bar,
		collector: stats.NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}

	if bar.Enabled() {
		stream.SubscribeStats("progress-bar", bar.Subscriber)
		stream.SubscribeStats("progress-stats", reporter.collectStats)
	}

	return reporter
}

func (pr *ProgressReporter) collectStats(ctx context.Context, events <-chan stats.Event) error {
	pr.collector.Run(ctx, events)
	pr.bar.Stop()

	summary := pr.collector.Snapshot()
	duration := time.Since(pr.started)

	pterm.Println()
	pterm.DefaultSection.Println("Summary Statistics")
	pterm.Info.Printf("Duration: %v\n", duration.Round(time.Millisecond))
	pterm.Info.Printf("Pages: %d\n", summary.Pages)
	pterm.Info.Printf("Saved: %d (%s)\n", summary.Saved, stats.HumanBytes(summary.Bytes))
	pterm.Info.Printf("Filtered (skipped): %d\n", summary.Filtered)
	pterm.Info.Printf("Mirrored: %d\n", summary.Mirrored)
	pterm.Info.Printf("Errors: %d\n", summary.Errors)
	if summary.LastError != nil {
		pterm.Error.Printf("Last error: %v\n", summary.LastError)
	}

	return nil
}
