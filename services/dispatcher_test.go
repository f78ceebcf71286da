package services

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"
)

type recordingResponder struct {
	mu    sync.Mutex
	calls []uint
	err   error
}

func (r *recordingResponder) ProcessInstantResponse(ctx context.Context, leadID uint) error {
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("missing deadline")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, leadID)
	return r.err
}

func TestAsyncDispatcher(t *testing.T) {
	responder := &recordingResponder{err: errors.New("provider down")}
	d := NewAsyncDispatcher(responder, time.Second)
	d.Logger = log.New(io.Discard, "", 0)

	for _, id := range []uint{1, 2, 3} {
		d.Dispatch(id)
	}
	d.Wait()

	if len(responder.calls) != 3 {
		t.Errorf("calls = %v, want 3", responder.calls)
	}
}

func TestAsyncDispatcherRunsInstantResponse(t *testing.T) {
	h := newHarness(t)
	h.seedSteps(t, 60)
	lead := h.newLead(t, "Ann", "+15135550101")

	d := NewAsyncDispatcher(h.engine, time.Second)
	d.Logger = log.New(io.Discard, "", 0)
	d.Dispatch(lead.ID)
	d.Wait()

	if got := h.reload(t, lead.ID); got.SequenceStep != 0 {
		t.Errorf("sequence step = %d, want 0", got.SequenceStep)
	}
	if h.sms.count() != 1 {
		t.Errorf("sms sent = %d", h.sms.count())
	}
}
