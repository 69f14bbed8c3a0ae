// Package export walks a mail folder page by page and writes the raw MIME
// content of every message into numbered folders on disk.
package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dhcgn/mail-backup/auth"
	"github.com/dhcgn/mail-backup/filter"
	"github.com/dhcgn/mail-backup/graph"
	"github.com/dhcgn/mail-backup/model"
	"github.com/dhcgn/mail-backup/naming"
	"github.com/dhcgn/mail-backup/stats"
)

// SelectFields are the message properties requested for every listing page.
var SelectFields = []string{"id", "subject", "receivedDateTime", "from"}

// Source lists messages and streams their raw content. *graph.Client
// satisfies it.
type Source interface {
	GetMessagesPage(ctx context.Context, req graph.PageRequest) (*graph.Page, error)
	GetNextPage(ctx context.Context, page *graph.Page) (*graph.Page, error)
	GetMessageContent(ctx context.Context, id string) (io.ReadCloser, error)
}

// Mirror receives a copy of every message after it was written to disk.
type Mirror interface {
	Name() string
	Mirror(ctx context.Context, msg model.Message, content io.Reader, size int64) error
	io.Closer
}

// EventSink receives progress events. *runner.Runner satisfies it.
type EventSink interface {
	EmitEvent(evt stats.Event)
}

type Options struct {
	OutputDir    string
	MailFolder   string
	FolderPrefix string
	FolderSize   int
	PageSize     int
	Naming       naming.Options
}

type Option func(*Exporter)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Exporter) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithFilter skips messages the filter does not allow. Skipped messages do
// not take a folder slot.
func WithFilter(f *filter.Filter) Option {
	return func(e *Exporter) {
		e.filter = f
	}
}

func WithMirrors(mirrors ...Mirror) Option {
	return func(e *Exporter) {
		e.mirrors = append(e.mirrors, mirrors...)
	}
}

func WithEventSink(sink EventSink) Option {
	return func(e *Exporter) {
		if sink != nil {
			e.events = sink
		}
	}
}

// Summary counts what a run did.
type Summary struct {
	Pages    int
	Saved    int
	Failed   int
	Filtered int
	Bytes    int64
	Folders  int
}

type Exporter struct {
	opts    Options
	source  Source
	filter  *filter.Filter
	mirrors []Mirror
	events  EventSink
	logger  *slog.Logger
}

type discardEvents struct{}

func (discardEvents) EmitEvent(stats.Event) {}

func New(opts Options, source Source, options ...Option) (*Exporter, error) {
	if source == nil {
		return nil, errors.New("export: source is nil")
	}
	if opts.OutputDir == "" {
		opts.OutputDir = "."
	}
	if opts.FolderPrefix == "" {
		opts.FolderPrefix = naming.DefaultFolderPrefix
	}
	if opts.FolderSize <= 0 {
		opts.FolderSize = DefaultFolderSize
	}
	if opts.PageSize < 0 {
		return nil, fmt.Errorf("export: page size must not be negative, got %d", opts.PageSize)
	}

	e := &Exporter{
		opts:   opts,
		source: source,
		events: discardEvents{},
		logger: slog.Default(),
	}
	for _, o := range options {
		o(e)
	}
	return e, nil
}

// Run exports every message of the configured folder. A failure to fetch a
// page or to sign in ends the run; any other failure on a single message is
// logged and the run moves on to the next one.
func (e *Exporter) Run(ctx context.Context) (Summary, error) {
	var summary Summary
	cursor := NewCursor(e.opts.FolderSize)

	page, err := e.source.GetMessagesPage(ctx, graph.PageRequest{
		Folder: e.opts.MailFolder,
		Select: SelectFields,
		Top:    e.opts.PageSize,
	})
	if err != nil {
		return summary, fmt.Errorf("fetch page 1: %w", err)
	}

	for page != nil {
		summary.Pages++
		e.logger.Debug("fetched page", "page", summary.Pages, "messages", len(page.Messages))
		e.events.EmitEvent(stats.Event{Stage: stats.StageExport, Type: stats.EventTypePage, Count: len(page.Messages)})

		for _, msg := range page.Messages {
			if err := ctx.Err(); err != nil {
				summary.Folders = cursor.Folders()
				return summary, err
			}

			if !e.filter.Allows(msg) {
				summary.Filtered++
				e.logger.Debug("message filtered", "id", msg.ID, "subject", msg.Subject)
				e.events.EmitEvent(stats.Event{Stage: stats.StageExport, Type: stats.EventTypeFiltered, MessageID: msg.ID, Subject: msg.Subject})
				continue
			}

			folder := cursor.Next()
			path, n, err := e.save(ctx, folder, msg)
			// A failed save still takes its slot.
			cursor.Commit()

			if err != nil {
				summary.Failed++
				e.logger.Error("failed to save message", "id", msg.ID, "subject", msg.Subject, "folder", folder, "err", err)
				e.events.EmitEvent(stats.Event{Stage: stats.StageExport, Type: stats.EventTypeError, MessageID: msg.ID, Subject: msg.Subject, Path: path, Err: err})
				if signInFailed(err) {
					summary.Folders = cursor.Folders()
					return summary, fmt.Errorf("export %s: %w", msg.ID, err)
				}
				continue
			}

			summary.Saved++
			summary.Bytes += n
			e.logger.Debug("saved message", "id", msg.ID, "path", path, "bytes", n)
			e.events.EmitEvent(stats.Event{Stage: stats.StageExport, Type: stats.EventTypeSaved, MessageID: msg.ID, Subject: msg.Subject, Path: path, Bytes: n})

			e.mirror(ctx, msg, path, n)
		}

		next, err := e.source.GetNextPage(ctx, page)
		if err != nil {
			summary.Folders = cursor.Folders()
			return summary, fmt.Errorf("fetch page %d: %w", summary.Pages+1, err)
		}
		page = next
	}

	summary.Folders = cursor.Folders()
	return summary, nil
}

// save writes the raw content of msg into folder and returns the file path
// and the number of bytes written. A partially written file is removed.
func (e *Exporter) save(ctx context.Context, folder int, msg model.Message) (string, int64, error) {
	datePart, subjectPart := naming.Sanitize(msg.Subject, msg.ReceivedAt, e.opts.Naming)
	dir := filepath.Join(e.opts.OutputDir, naming.FolderName(e.opts.FolderPrefix, folder))
	path := filepath.Join(dir, naming.FileName(datePart, subjectPart))

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return path, 0, &FilesystemError{Op: "mkdir", Path: dir, Err: err}
	}

	content, err := e.source.GetMessageContent(ctx, msg.ID)
	if err != nil {
		return path, 0, fmt.Errorf("get content of %s: %w", msg.ID, err)
	}
	defer content.Close()

	file, err := os.Create(path)
	if err != nil {
		return path, 0, &FilesystemError{Op: "create", Path: path, Err: err}
	}

	src := &sourceReader{r: content}
	n, err := io.Copy(file, src)
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(path)
		if src.err != nil {
			return path, n, &graph.TransportError{Op: "read message content", URL: "/me/messages/" + msg.ID + "/$value", Err: src.err}
		}
		return path, n, &FilesystemError{Op: "write", Path: path, Err: err}
	}
	return path, n, nil
}

// signInFailed reports errors no later message can recover from.
func signInFailed(err error) bool {
	return auth.IsAuthError(err) || errors.Is(err, graph.ErrUnauthorized)
}

// sourceReader remembers a failed read so a broken download is not reported
// as a disk error.
type sourceReader struct {
	r   io.Reader
	err error
}

func (s *sourceReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err != nil && err != io.EOF {
		s.err = err
	}
	return n, err
}

func (e *Exporter) mirror(ctx context.Context, msg model.Message, path string, size int64) {
	for _, m := range e.mirrors {
		err := mirrorFile(ctx, m, msg, path, size)
		stage := stats.Stage(m.Name())
		if err != nil {
			e.logger.Error("failed to mirror message", "mirror", m.Name(), "id", msg.ID, "err", err)
			e.events.EmitEvent(stats.Event{Stage: stage, Type: stats.EventTypeError, MessageID: msg.ID, Subject: msg.Subject, Path: path, Err: err})
			continue
		}
		e.events.EmitEvent(stats.Event{Stage: stage, Type: stats.EventTypeMirrored, MessageID: msg.ID, Subject: msg.Subject, Path: path})
	}
}

func mirrorFile(ctx context.Context, m Mirror, msg model.Message, path string, size int64) error {
	file, err := os.Open(path)
	if err != nil {
		return &FilesystemError{Op: "open", Path: path, Err: err}
	}
	defer file.Close()
	return m.Mirror(ctx, msg, file, size)
}
