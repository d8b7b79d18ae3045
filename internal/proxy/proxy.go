// Package proxy implements the streaming retry loop: acquire a key, open
// an upstream SSE connection, forward text fragments to the client, and
// transition key state on failure.
package proxy

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"gemini-gateway/internal/apperrors"
	"gemini-gateway/internal/chathistory"
	"gemini-gateway/internal/keypool"
	"gemini-gateway/internal/upstream"
	"gemini-gateway/internal/utils"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"
)

// Proxy wires the key pool, the upstream client, and the chat history
// store into one retry loop per streamed request.
type Proxy struct {
	keys     *keypool.Provider
	upClient *upstream.Client
	history  *chathistory.History

	mu                sync.Mutex
	lastSuccessfulKey string
}

// New constructs a Proxy. lastSuccessfulKey starts empty: the first
// request of a fresh process has no stickiness hint.
func New(keys *keypool.Provider, upClient *upstream.Client, history *chathistory.History) *Proxy {
	return &Proxy{keys: keys, upClient: upClient, history: history}
}

// ResetStickyKey clears the process-wide "last successful key" hint,
// mirroring the source's reset-on-/reset behaviour.
func (p *Proxy) ResetStickyKey() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastSuccessfulKey = ""
}

func (p *Proxy) stickyKey() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSuccessfulKey
}

func (p *Proxy) setStickyKey(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastSuccessfulKey = key
}

// Stream runs the retry loop for one client request and writes
// `data: {"text": ...}` events to w, flushing after each one, ending with
// `event: end\ndata: [DONE]\n\n`. model and enableSearch come from the
// request's query parameters; the chat history snapshot is taken once at
// the start of the loop, matching the source's "copy before streaming"
// discipline.
func (p *Proxy) Stream(ctx context.Context, w http.ResponseWriter, model string, enableSearch bool) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("response writer does not support flushing")
	}

	if !p.history.LastIsUser() {
		writeErrorEvent(w, flusher, "no pending user turn to respond to")
		return nil
	}

	status, err := p.keys.Status()
	if err != nil {
		writeErrorEvent(w, flusher, "key pool status unavailable")
		return err
	}
	maxRetries := status.AvailableKeys
	if maxRetries == 0 {
		writeErrorEvent(w, flusher, apperrors.ErrNoAvailableKeys.Message)
		return nil
	}

	history := p.history.Snapshot()
	var buffer string
	yielded := false

	for attempt := 0; attempt < maxRetries; attempt++ {
		attemptID := uuid.New().String()
		writeCommentLine(w, "request-id "+attemptID)
		flusher.Flush()

		key, err := p.keys.Acquire(p.stickyKey(), false)
		if err != nil {
			writeErrorEvent(w, flusher, "no available key")
			return nil
		}
		log := logrus.WithFields(logrus.Fields{"request_id": attemptID, "key": utils.MaskAPIKey(key), "attempt": attempt})

		session, err := p.upClient.Open(ctx, model, key, history, enableSearch)
		if err != nil {
			log.WithError(err).Warn("failed to open upstream stream")
			p.handleOpenError(key, err)
			if yielded {
				writeErrorEvent(w, flusher, "upstream connection failed mid-stream")
				return nil
			}
			continue
		}

		streamErr := p.forward(session, w, flusher, &buffer, &yielded)
		session.Close()

		if streamErr == nil {
			if err := p.keys.RecordSuccess(key); err != nil {
				log.WithError(err).Warn("failed to record key success")
			}
			p.setStickyKey(key)
			p.history.AppendModelIfLastIsUser(buffer)
			writeEndEvent(w, flusher)
			return nil
		}

		log.WithError(streamErr).Warn("upstream stream interrupted")
		if err := p.keys.RecordFailure(key, 0); err != nil {
			log.WithError(err).Warn("failed to record key failure")
		}
		if err := p.keys.Suspend(key, 0); err != nil {
			log.WithError(err).Warn("failed to suspend key")
		}
		if yielded {
			writeErrorEvent(w, flusher, "stream interrupted")
			return nil
		}
	}

	writeErrorEvent(w, flusher, "all keys exhausted")
	return nil
}

// handleOpenError records the failure and transitions the key's state per
// the HTTP-status-to-action table: 429 and >=500 suspend, 400/403
// invalidate, anything else (including protocol failures, coded 0) suspends.
func (p *Proxy) handleOpenError(key string, err error) {
	statusErr, isStatus := err.(*upstream.ErrUpstreamStatus)
	code := 0
	if isStatus {
		code = statusErr.StatusCode
	}

	logrus.WithFields(logrus.Fields{"key": utils.MaskAPIKey(key), "status": code}).Warn("upstream request failed")

	if err := p.keys.RecordFailure(key, code); err != nil {
		logrus.WithError(err).Warn("failed to record key failure")
	}

	switch {
	case code == http.StatusBadRequest || code == http.StatusForbidden:
		if err := p.keys.Invalidate(key); err != nil {
			logrus.WithError(err).Warn("failed to invalidate key")
		}
	default:
		if err := p.keys.Suspend(key, 0); err != nil {
			logrus.WithError(err).Warn("failed to suspend key")
		}
	}
}

// forward relays fragments from session to w until the stream ends
// cleanly or a transport/protocol error occurs mid-stream. buffer
// accumulates the full model reply; yielded flips true on the first
// fragment written to the client.
func (p *Proxy) forward(session *upstream.Session, w http.ResponseWriter, flusher http.Flusher, buffer *string, yielded *bool) error {
	for {
		fragment, ok, err := session.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		*buffer += fragment
		*yielded = true
		if err := writeTextEvent(w, fragment); err != nil {
			return err
		}
		flusher.Flush()
	}
}

// writeCommentLine writes an SSE comment line (ignored by EventSource
// parsers, readable by a client inspecting raw frames) carrying the
// per-attempt request id for client-side correlation with server logs.
func writeCommentLine(w http.ResponseWriter, comment string) {
	fmt.Fprintf(w, ": %s\n\n", comment)
}

func writeTextEvent(w http.ResponseWriter, text string) error {
	frame, err := sjson.SetBytes([]byte(`{}`), "text", text)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", frame)
	return err
}

func writeErrorEvent(w http.ResponseWriter, flusher http.Flusher, message string) {
	if err := writeTextEvent(w, message); err != nil {
		logrus.WithError(err).Warn("failed to write error event")
	}
	flusher.Flush()
	writeEndEvent(w, flusher)
}

func writeEndEvent(w http.ResponseWriter, flusher http.Flusher) {
	fmt.Fprint(w, "event: end\ndata: [DONE]\n\n")
	flusher.Flush()
}
