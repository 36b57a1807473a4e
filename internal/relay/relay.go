// Package relay drives a single streaming inference call, forwarding backend
// deltas to the caller as they arrive and accumulating token usage on the
// side. Forward first, then accumulate: the caller sees tokens at production
// latency, never buffered to completion.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/blueprintchat/inference-gateway/internal/backend"
	"github.com/blueprintchat/inference-gateway/internal/pricing"
)

// Validation sentinels; the non-streaming handler maps these to HTTP 400.
var (
	ErrMissingParams = errors.New("relay: missing required parameters")
	ErrInvalidModel  = errors.New("relay: invalid model")
)

const msgMissingParams = "Missing required parameters: modelId or messages"

// ErrorChunk is the single in-band terminal error written when a stream
// cannot complete. No out-of-band status exists once streaming has begun.
type ErrorChunk struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

type Relay struct {
	backend   backend.Backend
	models    *pricing.Table
	maxTokens int // global per-call output ceiling
}

func New(b backend.Backend, models *pricing.Table, maxTokensPerCall int) *Relay {
	return &Relay{
		backend:   b,
		models:    models,
		maxTokens: maxTokensPerCall,
	}
}

// Validate checks required fields and the model allow-list. The backend is
// never invoked for a request that fails here.
func (r *Relay) Validate(req *backend.Request) error {
	if req.ModelID == "" || len(req.Messages) == 0 {
		return ErrMissingParams
	}
	if !r.models.Allowed(req.ModelID) {
		return fmt.Errorf("%w: %s", ErrInvalidModel, req.ModelID)
	}
	return nil
}

// Clamp bounds the declared max tokens to the global per-call ceiling. Excess
// is clamped, never rejected; an absent declaration gets the ceiling.
func (r *Relay) Clamp(req *backend.Request) {
	if req.InferenceConfig == nil {
		req.InferenceConfig = &backend.InferenceConfig{MaxTokens: r.maxTokens}
		return
	}
	if req.InferenceConfig.MaxTokens <= 0 || req.InferenceConfig.MaxTokens > r.maxTokens {
		req.InferenceConfig.MaxTokens = r.maxTokens
	}
}

// Run relays one streaming call onto w, one JSON-serialized delta per line.
// It returns the accumulated usage counters and whether the stream completed
// cleanly. ok=false means a terminal error chunk was already written and the
// request must not be ledgered: partial counters from a broken stream are not
// billable and are discarded.
func (r *Relay) Run(ctx context.Context, req *backend.Request, w io.Writer) (backend.Usage, bool) {
	var usage backend.Usage

	if err := r.Validate(req); err != nil {
		if errors.Is(err, ErrMissingParams) {
			writeError(w, ErrorChunk{Error: msgMissingParams})
		} else {
			writeError(w, ErrorChunk{Error: "Invalid model", Message: req.ModelID})
		}
		return usage, false
	}

	r.Clamp(req)

	ch, err := r.backend.ConverseStream(ctx, req)
	if err != nil {
		writeError(w, ErrorChunk{Error: "Backend error", Message: err.Error()})
		return backend.Usage{}, false
	}

	done := false
	for delta := range ch {
		if delta.Err != nil {
			writeError(w, ErrorChunk{Error: "Stream error", Message: delta.Err.Error()})
			return backend.Usage{}, false
		}
		if delta.Done {
			done = true
			break
		}

		// Forward before accounting so time-to-next-token stays flat.
		if len(delta.Raw) > 0 {
			if _, err := w.Write(append(delta.Raw, '\n')); err != nil {
				// Caller went away; stop reading, discard usage.
				log.Printf("relay: caller write failed: %v", err)
				return backend.Usage{}, false
			}
		}
		if delta.Usage != nil {
			usage.Add(*delta.Usage)
		}
	}

	// The channel may close without a terminal marker when the context ends
	// mid-stream. An unterminated stream is not billable.
	if !done {
		msg := "stream ended before completion"
		if err := ctx.Err(); err != nil {
			msg = err.Error()
		}
		writeError(w, ErrorChunk{Error: "Stream error", Message: msg})
		return backend.Usage{}, false
	}

	return usage, true
}

func writeError(w io.Writer, chunk ErrorChunk) {
	data, err := json.Marshal(chunk)
	if err != nil {
		return
	}
	_, _ = w.Write(append(data, '\n'))
}
