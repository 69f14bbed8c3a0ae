package mbox

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nalgeon/be"

	"github.com/dhcgn/mail-backup/model"
)

func rawMessage(id, subject string) string {
	return "Message-ID: <" + id + "@contoso.com>\r\n" +
		"From: Alex Wilber <alexw@contoso.com>\r\n" +
		"Subject: " + subject + "\r\n" +
		"\r\n" +
		"Hello " + id + "\r\n"
}

func TestWriterRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive", "backup.mbox")
	w, err := NewWriter(Options{Path: path}, nil)
	be.Err(t, err, nil)
	be.Equal(t, w.Name(), "mbox")

	received := time.Date(2024, 3, 14, 21, 5, 0, 0, time.UTC)
	for i, subject := range []string{"First", "Second", "Third"} {
		raw := rawMessage(subject, subject)
		msg := model.Message{
			ID:         subject,
			ReceivedAt: received.Add(time.Duration(i) * time.Hour),
			From:       model.Sender{Name: "Alex", Address: "alexw@contoso.com"},
		}
		be.Err(t, w.Mirror(context.Background(), msg, strings.NewReader(raw), int64(len(raw))), nil)
	}
	be.Equal(t, w.Count(), 3)
	be.Err(t, w.Close(), nil)
	be.Err(t, w.Close(), nil)

	count, err := CountMessages(path)
	be.Err(t, err, nil)
	be.Equal(t, count, 3)

	var subjects []string
	err = Read(path, func(m *MboxMessage) error {
		subjects = append(subjects, m.Headers.Get("Subject"))
		return nil
	})
	be.Err(t, err, nil)
	be.Equal(t, subjects, []string{"First", "Second", "Third"})
}

func TestWriterRejectsAfterClose(t *testing.T) {
	w, err := NewWriter(Options{Path: filepath.Join(t.TempDir(), "x.mbox")}, nil)
	be.Err(t, err, nil)
	be.Err(t, w.Close(), nil)

	err = w.Mirror(context.Background(), model.Message{ID: "a"}, strings.NewReader(rawMessage("a", "a")), 0)
	be.Err(t, err, ErrClosed)
}

func TestWriterHonoursContext(t *testing.T) {
	w, err := NewWriter(Options{Path: filepath.Join(t.TempDir(), "x.mbox")}, nil)
	be.Err(t, err, nil)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = w.Mirror(ctx, model.Message{ID: "a"}, strings.NewReader(rawMessage("a", "a")), 0)
	be.Err(t, err, context.Canceled)
	be.Equal(t, w.Count(), 0)
}

func TestNewWriterRequiresPath(t *testing.T) {
	_, err := NewWriter(Options{Path: "  "}, nil)
	be.True(t, err != nil)
}

func TestCountMessagesMissingFile(t *testing.T) {
	_, err := CountMessages(filepath.Join(t.TempDir(), "missing.mbox"))
	be.True(t, err != nil)
}
