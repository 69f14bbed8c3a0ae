package runner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/dhcgn/mail-backup/stats"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEverySubscriberSeesEveryEvent(t *testing.T) {
	r := New(context.Background(), discardLogger())

	var mu sync.Mutex
	seen := map[string]int{}
	count := func(name string) func(context.Context, <-chan stats.Event) error {
		return func(ctx context.Context, events <-chan stats.Event) error {
			for range events {
				mu.Lock()
				seen[name]++
				mu.Unlock()
			}
			return nil
		}
	}
	r.SubscribeStats("first", count("first"))
	r.SubscribeStats("second", count("second"))

	r.AddStage("export", func(ctx context.Context) error {
		for i := 0; i < 5; i++ {
			r.EmitEvent(stats.Event{Stage: stats.StageExport, Type: stats.EventTypeSaved})
		}
		return nil
	})

	if err := r.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if seen["first"] != 5 || seen["second"] != 5 {
		t.Fatalf("seen = %v, want 5 events per subscriber", seen)
	}
}

func TestStageErrorIsReturned(t *testing.T) {
	r := New(context.Background(), discardLogger())
	boom := errors.New("boom")

	r.AddStage("export", func(ctx context.Context) error {
		return boom
	})

	err := r.Start()
	if !errors.Is(err, boom) {
		t.Fatalf("Start() error = %v, want %v", err, boom)
	}
	if r.Context().Err() == nil {
		t.Fatal("context should be cancelled after Start")
	}
}

func TestStageErrorCancelsOtherStages(t *testing.T) {
	r := New(context.Background(), discardLogger())
	boom := errors.New("boom")

	r.AddStage("waiter", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	r.AddStage("export", func(ctx context.Context) error {
		return boom
	})

	if err := r.Start(); !errors.Is(err, boom) {
		t.Fatalf("Start() error = %v, want %v", err, boom)
	}
}

func TestParentCancellation(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	r := New(parent, discardLogger())
	cancel()

	r.AddStage("export", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	if err := r.Start(); !errors.Is(err, context.Canceled) {
		t.Fatalf("Start() error = %v, want context.Canceled", err)
	}
}

func TestEmitWithoutSubscribers(t *testing.T) {
	r := New(context.Background(), discardLogger())
	r.AddStage("export", func(ctx context.Context) error {
		for i := 0; i < 1000; i++ {
			r.EmitEvent(stats.Event{Type: stats.EventTypePage})
		}
		return nil
	})
	if err := r.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
}
