package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nao1215/consoleharvest/internal/model"
)

// Response is the raw result of one page request.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Latency    time.Duration
}

// PageFetcher retrieves and interprets one page of a platform's listing.
type PageFetcher interface {
	// Fetch requests one page using the given session.
	// A non-nil error means no response was received.
	Fetch(ctx context.Context, session model.Session, req model.PageRequest) (*Response, error)

	// Classify maps a received response to a classification.
	Classify(resp *Response) model.Classification

	// Parse extracts records from a response classified OK.
	// An empty record list signals the end of the data.
	Parse(resp *Response) (model.Page, error)
}

// Outcome is everything the harvesters learn about one page attempt.
type Outcome struct {
	Class      model.Classification
	Page       model.Page
	StatusCode int
	Latency    time.Duration

	// Err describes the failure for every class except OK. It wraps the
	// sentinel matching Class.
	Err error
}

// OK reports whether the attempt produced a parsed page.
func (o Outcome) OK() bool {
	return o.Class == model.ClassOK
}

// Attempt fetches, classifies and parses one page.
// It never returns a transport error directly; failures are expressed
// through Outcome.Class.
func Attempt(ctx context.Context, f PageFetcher, session model.Session, req model.PageRequest) Outcome {
	resp, err := f.Fetch(ctx, session, req)
	if err != nil {
		class := ClassifyError(err)
		if ctx.Err() != nil {
			class = model.ClassFatal
		}
		return Outcome{Class: class, Err: errorFor(class, fmt.Errorf("page %d: %w", req.Number, err))}
	}

	out := Outcome{StatusCode: resp.StatusCode, Latency: resp.Latency}

	out.Class = f.Classify(resp)
	if out.Class != model.ClassOK {
		out.Err = errorFor(out.Class, fmt.Errorf("page %d: status %d", req.Number, resp.StatusCode))
		return out
	}

	page, err := f.Parse(resp)
	if err != nil {
		out.Class = model.ClassMalformed
		out.Err = errorFor(model.ClassMalformed, fmt.Errorf("page %d: %w", req.Number, err))
		return out
	}

	out.Page = page
	return out
}

// ClassifyError maps an error returned by Fetch to a classification.
// Cancellation is fatal, so a cancelled run stops instead of retrying.
// Errors that already carry a classification sentinel keep it. Every other
// error is treated as a transient network failure.
func ClassifyError(err error) model.Classification {
	switch {
	case err == nil:
		return model.ClassOK
	case errors.Is(err, context.Canceled):
		return model.ClassFatal
	case errors.Is(err, model.ErrFatalResponse):
		return model.ClassFatal
	case errors.Is(err, model.ErrAuthInvalid):
		return model.ClassAuthInvalid
	case errors.Is(err, model.ErrMalformedResponse):
		return model.ClassMalformed
	default:
		return model.ClassTransient
	}
}

// errorFor wraps err with the sentinel for class unless it already matches.
func errorFor(class model.Classification, err error) error {
	var sentinel error
	switch class {
	case model.ClassOK:
		return nil
	case model.ClassAuthInvalid:
		sentinel = model.ErrAuthInvalid
	case model.ClassTransient:
		sentinel = model.ErrTransientNetwork
	case model.ClassMalformed:
		sentinel = model.ErrMalformedResponse
	default:
		sentinel = model.ErrFatalResponse
	}

	if errors.Is(err, sentinel) {
		return err
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}
