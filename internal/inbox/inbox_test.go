package inbox

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tiroq/memoscribe/testutil"
)

type collector struct {
	mu    sync.Mutex
	paths []string
}

func (c *collector) handle(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paths = append(c.paths, path)
}

func (c *collector) got() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.paths...)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestWatcher_Run(t *testing.T) {
	tests := []struct {
		name     string
		pollOnly bool
	}{
		{"fsnotify", false},
		{"polling", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeFile(t, filepath.Join(dir, "old.wav"), "already here")

			c := &collector{}
			w := New(Config{
				Dir:          dir,
				PollInterval: 20 * time.Millisecond,
				SettleDelay:  60 * time.Millisecond,
				PollOnly:     tt.pollOnly,
			}, c.handle)

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() { done <- w.Run(ctx) }()
			defer func() {
				cancel()
				<-done
			}()

			// let the baseline scan run first
			time.Sleep(50 * time.Millisecond)
			writeFile(t, filepath.Join(dir, "notes.txt"), "not audio")
			writeFile(t, filepath.Join(dir, ".partial.wav"), "hidden")
			writeFile(t, filepath.Join(dir, "meeting.WAV"), "recording")

			want := filepath.Join(dir, "meeting.WAV")
			testutil.WaitForCondition(t, func() bool { return len(c.got()) == 1 }, 3*time.Second, "artifact reported")
			time.Sleep(150 * time.Millisecond)

			got := c.got()
			if len(got) != 1 || got[0] != want {
				t.Fatalf("reported %v, want [%s]", got, want)
			}
		})
	}
}

func TestWatcher_ProcessExisting(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "old.m4a"), "already here")

	c := &collector{}
	w := New(Config{
		Dir:             dir,
		PollInterval:    20 * time.Millisecond,
		SettleDelay:     20 * time.Millisecond,
		ProcessExisting: true,
		PollOnly:        true,
	}, c.handle)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	testutil.WaitForCondition(t, func() bool { return len(c.got()) == 1 }, 3*time.Second, "existing artifact reported")
}

func TestWatcher_Settle(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "live.wav")
	writeFile(t, path, "part one")

	now := time.Unix(1_700_000_000, 0)
	c := &collector{}
	w := New(Config{Dir: dir, SettleDelay: 2 * time.Second}, c.handle)
	w.now = func() time.Time { return now }

	w.touch(path)
	now = now.Add(time.Second)
	w.settle()
	testutil.AssertEqual(t, 0, len(c.got()), "still settling")

	// still being written: the settle clock restarts
	writeFile(t, path, "part one, part two")
	now = now.Add(1500 * time.Millisecond)
	w.settle()
	testutil.AssertEqual(t, 0, len(c.got()), "growing file not reported")

	now = now.Add(1500 * time.Millisecond)
	w.settle()
	testutil.AssertEqual(t, 0, len(c.got()), "1.5s since last change")

	now = now.Add(time.Second)
	w.settle()
	testutil.AssertEqual(t, 1, len(c.got()), "reported once settled")

	// unchanged file is not reported again
	w.touch(path)
	now = now.Add(5 * time.Second)
	w.settle()
	testutil.AssertEqual(t, 1, len(c.got()), "no duplicate report")
}

func TestWatcher_EmptyFileWaits(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.wav")
	writeFile(t, path, "")

	now := time.Unix(1_700_000_000, 0)
	c := &collector{}
	w := New(Config{Dir: dir, SettleDelay: time.Second}, c.handle)
	w.now = func() time.Time { return now }

	w.touch(path)
	now = now.Add(10 * time.Second)
	w.settle()
	testutil.AssertEqual(t, 0, len(c.got()), "empty file not reported")
}

func TestWatcher_MissingDir(t *testing.T) {
	w := New(Config{Dir: filepath.Join(t.TempDir(), "absent")}, func(string) {})
	err := w.Run(context.Background())
	testutil.AssertError(t, err, "missing dir")
}
