package debugger

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/pdbg/internal/osdebug"
)

// Run handles debug events until ctx is done, the session is detached or the
// process exits, in which case it returns an error wrapping ErrProcessExited.
// Dispatch failures are reported to the observer and never stop the loop.
func (d *Debugger) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.session == nil || !d.session.active {
			return nil
		}
		if _, err := d.HandleNextEvent(ctx); err != nil {
			return err
		}
	}
}

// HandleNextEvent waits for one debug event, dispatches it and issues the
// continuation decision. It returns a nil report when the wait timed out.
func (d *Debugger) HandleNextEvent(ctx context.Context) (*Report, error) {
	s, err := d.activeSession("wait_event")
	if err != nil {
		return nil, err
	}
	if s.exited {
		return nil, newOpError("wait_event", ErrProcessExited, nil).withPID(s.PID)
	}

	ev, err := d.os.WaitNextEvent(ctx, d.cfg.WaitTimeout)
	if err != nil {
		if errors.Is(err, osdebug.ErrTimeout) {
			return nil, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("wait for debug event: %w", err)
	}

	if ev.Kind == osdebug.EventException {
		s.pending = &PendingException{Code: ev.Code, Address: ev.Address, ThreadID: ev.ThreadID}
	}

	report := d.dispatch(s, ev)

	if err := d.os.ContinueEvent(ev.PID, ev.ThreadID, report.Continuation); err != nil {
		d.logger.Error().Err(err).
			Int("pid", ev.PID).
			Int("tid", ev.ThreadID).
			Str("continuation", report.Continuation.String()).
			Msg("Failed to continue debug event")
	}
	s.pending = nil

	d.logReport(report)
	if d.observer != nil {
		d.observer(report)
	}

	if s.exited {
		return &report, newOpError("wait_event", ErrProcessExited, nil).withPID(s.PID)
	}
	return &report, nil
}

func (d *Debugger) logReport(r Report) {
	var e *zerolog.Event
	switch {
	case r.Err != nil:
		e = d.logger.Warn().Err(r.Err)
	case r.Kind == ReportEvent || r.Kind == ReportException:
		e = d.logger.Trace()
	default:
		e = d.logger.Debug()
	}

	e = e.Str("event", r.Event.Kind.String()).
		Int("pid", r.Event.PID).
		Int("tid", r.Event.ThreadID).
		Str("outcome", r.Kind.String()).
		Str("continuation", r.Continuation.String())
	if r.Event.Kind == osdebug.EventException {
		e = e.Str("code", r.Event.Code.String()).Str("addr", fmt.Sprintf("%#x", r.Event.Address))
	}
	if r.Slot != noSlot {
		e = e.Int("slot", r.Slot)
	}
	e.Msg("Debug event handled")
}
