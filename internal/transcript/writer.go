// Package transcript renders generated transcripts and live speaker blocks
// to files.
package transcript

import (
	"fmt"
	"math"
	"strings"

	"github.com/tiroq/memoscribe/internal/asr"
	"github.com/tiroq/memoscribe/internal/assembler"
	"github.com/tiroq/memoscribe/internal/diarize"
	"github.com/tiroq/memoscribe/internal/fileutil"
	"github.com/tiroq/memoscribe/internal/pipeline"
)

// Formats lists every format WriteAll accepts.
var Formats = []string{"txt", "md", "srt", "vtt"}

// WriteText writes one segment per line, each prefixed by its start time in
// [HH:MM:SS] format.
func WriteText(path string, t *pipeline.GeneratedTranscript) error {
	var b strings.Builder
	for _, seg := range t.Segments {
		fmt.Fprintf(&b, "[%s] %s\n", formatTextTimestamp(seg.Start), seg.Text)
	}
	return fileutil.AtomicWrite(path, []byte(b.String()), true)
}

// WriteMarkdown writes the summary followed by the corrected text, keeping
// its paragraph breaks.
func WriteMarkdown(path string, t *pipeline.GeneratedTranscript) error {
	var b strings.Builder
	if t.Summary != "" {
		b.WriteString("## Summary\n\n")
		b.WriteString(t.Summary)
		b.WriteString("\n\n")
	}
	b.WriteString("## Transcript\n\n")
	b.WriteString(t.ProcessedText)
	b.WriteByte('\n')
	return fileutil.AtomicWrite(path, []byte(b.String()), true)
}

// WriteSRT writes a SubRip subtitle file with segments numbered from 1.
func WriteSRT(path string, t *pipeline.GeneratedTranscript) error {
	var b strings.Builder
	for i, seg := range t.Segments {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%d\n", i+1)
		fmt.Fprintf(&b, "%s --> %s\n", formatSRTTimestamp(seg.Start), formatSRTTimestamp(seg.End))
		fmt.Fprintf(&b, "%s\n", seg.Text)
	}
	return fileutil.AtomicWrite(path, []byte(b.String()), true)
}

// WriteVTT writes a WebVTT subtitle file.
func WriteVTT(path string, t *pipeline.GeneratedTranscript) error {
	var b strings.Builder
	b.WriteString("WEBVTT\n")
	for _, seg := range t.Segments {
		b.WriteByte('\n')
		fmt.Fprintf(&b, "%s --> %s\n", formatVTTTimestamp(seg.Start), formatVTTTimestamp(seg.End))
		fmt.Fprintf(&b, "%s\n", seg.Text)
	}
	return fileutil.AtomicWrite(path, []byte(b.String()), true)
}

// WriteAll writes t in every requested format and returns the paths written.
// basePath is the output path without extension. An empty formats list
// means txt only. All failures are reported together.
func WriteAll(basePath string, t *pipeline.GeneratedTranscript, formats []string) ([]string, error) {
	if len(formats) == 0 {
		formats = []string{"txt"}
	}
	var written []string
	var errs []string
	for _, f := range formats {
		var err error
		path := basePath + "." + f
		switch f {
		case "txt":
			err = WriteText(path, t)
		case "md":
			err = WriteMarkdown(path, t)
		case "srt":
			err = WriteSRT(path, t)
		case "vtt":
			err = WriteVTT(path, t)
		default:
			errs = append(errs, fmt.Sprintf("unknown format %q", f))
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", f, err))
			continue
		}
		written = append(written, path)
	}
	if len(errs) > 0 {
		return written, fmt.Errorf("transcript write errors: %s", strings.Join(errs, "; "))
	}
	return written, nil
}

// WriteBlocks writes a live session as speaker-labelled turns. label maps a
// speaker id to its display label; nil uses the default labels.
func WriteBlocks(path string, blocks []assembler.Block, label func(asr.SpeakerID) string) error {
	if label == nil {
		label = diarize.DefaultLabel
	}
	var b strings.Builder
	for _, blk := range blocks {
		fmt.Fprintf(&b, "[%s] %s: %s\n", formatTextTimestamp(blk.StartTime), label(blk.SpeakerID), blk.Text)
	}
	return fileutil.AtomicWrite(path, []byte(b.String()), true)
}

// split breaks seconds into whole hours, minutes, seconds and milliseconds.
func split(seconds float64) (h, m, s, ms int) {
	total := int64(math.Round(math.Max(0, seconds) * 1000))
	ms = int(total % 1000)
	total /= 1000
	s = int(total % 60)
	total /= 60
	m = int(total % 60)
	h = int(total / 60)
	return h, m, s, ms
}

// formatTextTimestamp formats seconds as HH:MM:SS.
func formatTextTimestamp(seconds float64) string {
	h, m, s, _ := split(seconds)
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// formatSRTTimestamp formats seconds as HH:MM:SS,mmm.
func formatSRTTimestamp(seconds float64) string {
	h, m, s, ms := split(seconds)
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}

// formatVTTTimestamp formats seconds as HH:MM:SS.mmm.
func formatVTTTimestamp(seconds float64) string {
	h, m, s, ms := split(seconds)
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, ms)
}
