package mbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"sync"

	mboxlib "github.com/emersion/go-mbox"

	"github.com/dhcgn/mail-backup/model"
)

var ErrClosed = errors.New("mbox archive is closed")

type Options struct {
	Path string
}

// Writer appends every exported message to a single mbox archive. The
// archive is truncated when the writer is created.
type Writer struct {
	path   string
	logger *slog.Logger

	mu     sync.Mutex
	file   *os.File
	mbox   *mboxlib.Writer
	count  int
	closed bool
}

func NewWriter(opts Options, logger *slog.Logger) (*Writer, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, fmt.Errorf("mbox path is empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create mbox dir: %w", err)
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create mbox: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		path:   path,
		logger: logger,
		file:   file,
		mbox:   mboxlib.NewWriter(file),
	}, nil
}

func (w *Writer) Name() string {
	return "mbox"
}

// Mirror appends the raw message to the archive. The envelope sender and
// date come from the listing metadata.
func (w *Writer) Mirror(ctx context.Context, msg model.Message, content io.Reader, size int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}

	mw, err := w.mbox.CreateMessage(msg.From.Address, msg.ReceivedAt)
	if err != nil {
		return fmt.Errorf("mbox message %s: %w", msg.ID, err)
	}
	n, err := io.Copy(mw, content)
	if err != nil {
		return fmt.Errorf("mbox message %s write: %w", msg.ID, err)
	}
	if size > 0 && n != size {
		w.logger.Warn("mbox message size mismatch", "id", msg.ID, "expected", size, "written", n)
	}
	w.count++
	w.logger.Debug("appended message to mbox", "id", msg.ID, "path", w.path, "bytes", n)
	return nil
}

// Count returns the number of messages written so far.
func (w *Writer) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	err := w.mbox.Close()
	if closeErr := w.file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("close mbox: %w", err)
	}
	w.logger.Info("mbox archive written", "path", w.path, "messages", w.count)
	return nil
}

// MboxMessage represents a single message from an mbox file for stats.
type MboxMessage struct {
	Headers mail.Header
	Body    []byte
}

// Read opens an mbox file and iterates through its messages,
// calling the provided callback for each message.
func Read(path string, callback func(m *MboxMessage) error) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()
	reader := mboxlib.NewReader(file)

	for {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		msg, err := mail.ReadMessage(msgReader)
		if err != nil {
			// try to continue
			continue
		}

		body, err := io.ReadAll(msg.Body)
		if err != nil {
			continue
		}

		if err := callback(&MboxMessage{Headers: msg.Header, Body: body}); err != nil {
			return err
		}
	}
}

// CountMessages counts the total number of messages in an mbox file.
func CountMessages(path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()
	reader := mboxlib.NewReader(file)

	count := 0
	for {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return count, nil
			}
			return 0, err
		}

		// a message we cannot drain still counts
		_, _ = io.Copy(io.Discard, msgReader)
		count++
	}
}
