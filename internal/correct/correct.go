// Package correct turns a raw recognizer transcript into readable prose and a
// short summary.
//
// A Processor may call out to an external model. Its failure never fails the
// caller: Process falls back to the deterministic Local rules and reports the
// degradation alongside a usable Result.
package correct

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrDegraded marks a result produced by the local fallback because the
// external processor failed.
var ErrDegraded = errors.New("correct: external processing degraded to local fallback")

// Result is corrected text plus summary.
type Result struct {
	Text    string
	Summary string
}

// Processor corrects raw transcript text and summarizes it.
type Processor interface {
	Name() string
	Process(ctx context.Context, raw, language string) (Result, error)
}

// Process runs external when it is non-nil and fills whatever it failed to
// produce from local. The returned Result is always usable. The error, when
// non-nil, wraps ErrDegraded and describes what fell back; ctx cancellation is
// returned as ctx.Err() with a zero Result.
func Process(ctx context.Context, external Processor, local *Local, raw, language string) (Result, error) {
	if external == nil {
		return local.Process(ctx, raw, language)
	}

	res, err := external.Process(ctx, raw, language)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Result{}, ctxErr
	}

	fallback, _ := local.Process(ctx, raw, language)
	if err != nil {
		return fallback, fmt.Errorf("%w: %s: %w", ErrDegraded, external.Name(), err)
	}

	var missing []string
	if strings.TrimSpace(res.Text) == "" {
		res.Text = fallback.Text
		missing = append(missing, "text")
	}
	if strings.TrimSpace(res.Summary) == "" {
		res.Summary = fallback.Summary
		missing = append(missing, "summary")
	}
	if len(missing) > 0 {
		return res, fmt.Errorf("%w: %s returned no %s", ErrDegraded, external.Name(), strings.Join(missing, " or "))
	}
	return res, nil
}
