// Package artifact validates a finished recording and measures what the
// transcription pipeline needs to know about it before any recognition runs.
package artifact

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-audio/wav"
	"lukechampine.com/blake3"
)

// ErrUnreadable is returned when the artifact is missing, empty, or cannot be
// decoded far enough to measure its duration.
var ErrUnreadable = errors.New("artifact: unreadable")

// Artifact describes a recorded audio file that is ready for transcription.
type Artifact struct {
	Path     string
	Format   string // lower-case extension without the dot
	Size     int64
	ModTime  time.Time
	Duration time.Duration // 0 when the format could not be measured
	Hash     string        // hex blake3-256 of the file contents
}

// Loader opens artifacts. The zero value handles WAV natively and leaves
// other formats unmeasured.
type Loader struct {
	// FFprobePath, when set, is used to measure non-WAV formats.
	FFprobePath string
}

// Open validates path with the zero Loader.
func Open(ctx context.Context, path string) (*Artifact, error) {
	return Loader{}.Open(ctx, path)
}

// Open stats, hashes, and measures the artifact at path. Every failure wraps
// ErrUnreadable except cancellation, which returns ctx.Err().
func (l Loader) Open(ctx context.Context, path string) (*Artifact, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnreadable, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrUnreadable, path)
	}
	if info.Size() == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrUnreadable, path)
	}

	a := &Artifact{
		Path:    path,
		Format:  strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), "."),
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnreadable, err)
	}
	defer f.Close()

	a.Hash, err = hashReader(ctx, f)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %w", ErrUnreadable, err)
	}

	switch a.Format {
	case "wav", "wave":
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return nil, fmt.Errorf("%w: rewind: %w", ErrUnreadable, err)
		}
		a.Duration, err = wavDuration(f)
	default:
		if l.FFprobePath != "" {
			a.Duration, err = probeDuration(ctx, l.FFprobePath, path)
		}
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %w", ErrUnreadable, err)
	}
	return a, nil
}

// Hash returns the hex blake3-256 digest of everything read from r.
func Hash(r io.Reader) (string, error) {
	return hashReader(context.Background(), r)
}

func hashReader(ctx context.Context, r io.Reader) (string, error) {
	h := blake3.New(32, nil)
	if _, err := io.Copy(h, ctxReader{ctx: ctx, r: r}); err != nil {
		return "", fmt.Errorf("calculating blake3 hash: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// wavDuration measures the PCM payload of a RIFF/WAVE stream.
func wavDuration(rs io.ReadSeeker) (time.Duration, error) {
	d := wav.NewDecoder(rs)
	if !d.IsValidFile() {
		return 0, errors.New("invalid wav header")
	}
	if err := d.FwdToPCM(); err != nil {
		return 0, fmt.Errorf("locate pcm data: %w", err)
	}
	if d.AvgBytesPerSec == 0 {
		return 0, errors.New("wav header reports zero byte rate")
	}
	pcm := d.PCMLen()
	if pcm <= 0 {
		return 0, errors.New("wav has no pcm data")
	}
	return time.Duration(pcm) * time.Second / time.Duration(d.AvgBytesPerSec), nil
}

// probeDuration asks ffprobe for the container duration in seconds.
func probeDuration(ctx context.Context, ffprobe, path string) (time.Duration, error) {
	cmd := exec.CommandContext(ctx, ffprobe,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe: %w", err)
	}
	sec, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil || sec <= 0 {
		return 0, fmt.Errorf("ffprobe: unexpected duration %q", strings.TrimSpace(string(out)))
	}
	return time.Duration(sec * float64(time.Second)), nil
}

// ctxReader stops a long copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
