package fixity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sheerbytes/coldvault/internal/wsclient"
	"github.com/sheerbytes/coldvault/pkg/protocol"
)

const defaultCableTick = time.Second

// Cable runs the check over the service's websocket channel. Each check
// subscribes to its own job channel, starts the check once the subscription
// is confirmed, and then waits for heartbeats until a result arrives.
type Cable struct {
	url    string
	token  string
	logger *slog.Logger

	StallTimeout time.Duration
	// Tick is how often the stall clock is checked.
	Tick time.Duration

	now   func() time.Time
	jobID func() string
}

// NewCable returns a websocket transport for wsURL.
func NewCable(wsURL, token string, logger *slog.Logger) *Cable {
	return &Cable{
		url:          wsURL,
		token:        token,
		logger:       logger.With(slog.String("transport", "websocket")),
		StallTimeout: DefaultStallTimeout,
		Tick:         defaultCableTick,
		now:          time.Now,
		jobID:        uuid.NewString,
	}
}

// Check implements Transport.
func (c *Cable) Check(ctx context.Context, req Request) (Result, error) {
	ident := protocol.Identifier{Channel: protocol.FixityCheckChannel, JobIdentifier: c.jobID()}
	logger := c.logger.With("job_identifier", ident.JobIdentifier)

	conn, err := wsclient.Dial(ctx, c.url, c.token, logger)
	if err != nil {
		return Result{}, fmt.Errorf("connect to fixity channel: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	frames := make(chan protocol.Frame, 16)
	readErr := make(chan error, 1)
	go func() {
		readErr <- conn.ReadLoop(ctx, func(f protocol.Frame) {
			select {
			case frames <- f:
			case <-ctx.Done():
			}
		})
	}()

	tick := c.Tick
	if tick <= 0 {
		tick = defaultCableTick
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	lastProgress := c.now()
	for {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()

		case err := <-readErr:
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Result{}, ctxErr
			}
			// Frames read before the close may still hold the result.
			for len(frames) > 0 {
				done, res, herr := c.handle(conn, ident, req, <-frames, &lastProgress, logger)
				if herr != nil || done {
					return res, herr
				}
			}
			return Result{}, fmt.Errorf("%w: connection closed before a result arrived: %v", ErrStallTimeout, err)

		case <-ticker.C:
			if idle := c.now().Sub(lastProgress); idle > c.StallTimeout {
				return Result{}, fmt.Errorf("%w: no progress for %s", ErrStallTimeout, idle.Round(time.Second))
			}

		case f := <-frames:
			done, res, err := c.handle(conn, ident, req, f, &lastProgress, logger)
			if err != nil || done {
				return res, err
			}
		}
	}
}

// handle reacts to one frame. It reports done once the check has finished.
func (c *Cable) handle(conn *wsclient.Conn, ident protocol.Identifier, req Request, f protocol.Frame, lastProgress *time.Time, logger *slog.Logger) (bool, Result, error) {
	switch {
	case f.Type == protocol.TypeWelcome:
		sub, err := protocol.NewSubscribe(ident)
		if err != nil {
			return true, Result{}, err
		}
		return false, Result{}, conn.Send(sub)

	case f.Type == protocol.TypeConfirmSubscription && f.For(ident.JobIdentifier):
		logger.Debug("subscription confirmed")
		msg, err := protocol.NewMessage(ident, protocol.NewRunFixityCheck(req.wire()))
		if err != nil {
			return true, Result{}, err
		}
		return false, Result{}, conn.Send(msg)

	case f.Type == protocol.TypeRejectSubscription && f.For(ident.JobIdentifier):
		return true, Result{}, errors.New("fixity channel subscription rejected")

	case f.Type == protocol.TypeDisconnect:
		return true, Result{}, fmt.Errorf("fixity service disconnected: %s", f.Reason)

	case f.IsBroadcast() && f.For(ident.JobIdentifier):
		var msg protocol.FixityCheckMessage
		if err := f.DecodeMessage(&msg); err != nil {
			logger.Warn("invalid fixity check message", "error", err)
			return false, Result{}, nil
		}
		if msg.Type == protocol.TypeFixityCheckInProgress {
			*lastProgress = c.now()
			return false, Result{}, nil
		}
		if msg.Terminal() {
			res, err := resultFrom(msg.Data)
			return true, res, err
		}
	}
	return false, Result{}, nil
}
