package debug

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/coral-mesh/pdbg/internal/cli/helpers"
	"github.com/coral-mesh/pdbg/internal/config"
	"github.com/coral-mesh/pdbg/internal/debugger"
	pdbgerrors "github.com/coral-mesh/pdbg/internal/errors"
	"github.com/coral-mesh/pdbg/internal/osdebug"
)

// startupTimeout bounds the wait for the attach breakpoint.
const startupTimeout = 5 * time.Second

// attachment is an attached debugger together with the facility it runs on.
type attachment struct {
	cfg      *config.Config
	logger   zerolog.Logger
	os       osdebug.Facility
	dbg      *debugger.Debugger
	facility io.Closer
}

// parsePID parses a positional pid argument.
func parsePID(arg string) (int, error) {
	pid, err := strconv.Atoi(arg)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid %q", arg)
	}
	return pid, nil
}

// openFacility loads the config and opens the debug facility without
// attaching to anything.
func openFacility(cmd *cobra.Command, g *helpers.Globals) (*attachment, error) {
	cfg, logger, err := g.Load(cmd)
	if err != nil {
		return nil, err
	}

	facility, closer, err := g.OpenFacility(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open debug facility: %w", err)
	}

	return &attachment{
		cfg:      cfg,
		logger:   logger,
		os:       facility,
		facility: closer,
	}, nil
}

// attach opens the facility, attaches to pid and consumes the events the
// OS reports up to and including the attach breakpoint.
func attach(ctx context.Context, cmd *cobra.Command, g *helpers.Globals, pid int, opts ...debugger.Option) (*attachment, error) {
	a, err := openFacility(cmd, g)
	if err != nil {
		return nil, err
	}
	a.dbg = debugger.New(a.os, a.cfg.Debugger, a.logger, opts...)

	if err := a.dbg.Attach(ctx, pid); err != nil {
		a.close()
		return nil, err
	}

	if err := a.awaitInitialBreakpoint(ctx); err != nil {
		a.detach()
		return nil, err
	}
	return a, nil
}

func (a *attachment) awaitInitialBreakpoint(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	for !a.dbg.Session().FirstExceptionSeen() {
		if _, err := a.dbg.HandleNextEvent(ctx); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("target did not report the attach breakpoint within %s", startupTimeout)
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("target did not report the attach breakpoint within %s", startupTimeout)
		}
	}
	return nil
}

// detach detaches if a session is still active and releases the facility.
func (a *attachment) detach() {
	if a.dbg != nil && a.dbg.Session() != nil {
		pdbgerrors.BestEffort(a.logger, "Failed to detach", a.dbg.Detach)
	}
	a.close()
}

func (a *attachment) close() {
	if a.facility != nil {
		pdbgerrors.DeferClose(a.logger, a.facility, "Failed to close debug facility")
		a.facility = nil
	}
}
