package fixity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sheerbytes/coldvault/internal/clienthttp"
	"github.com/sheerbytes/coldvault/pkg/protocol"
)

const (
	createCheckPath = "/fixity_checks"

	DefaultPollInterval = 2 * time.Second
	DefaultStallTimeout = 2 * time.Minute
)

// Polling creates the check and then polls it until it finishes. While the
// check is in progress its updated_at must keep advancing: a check whose
// last update is older than StallTimeout has a wedged worker behind it.
type Polling struct {
	client *clienthttp.Client
	logger *slog.Logger

	Interval     time.Duration
	StallTimeout time.Duration
	// MaxWait bounds the whole check. Zero waits indefinitely.
	MaxWait time.Duration

	now func() time.Time
}

// NewPolling returns a polling transport with default timings.
func NewPolling(client *clienthttp.Client, logger *slog.Logger) *Polling {
	return &Polling{
		client:       client,
		logger:       logger.With(slog.String("transport", "http_polling")),
		Interval:     DefaultPollInterval,
		StallTimeout: DefaultStallTimeout,
		now:          time.Now,
	}
}

// Check implements Transport.
func (p *Polling) Check(ctx context.Context, req Request) (Result, error) {
	var created protocol.FixityCheckCreated
	if err := p.client.PostJSON(ctx, createCheckPath, protocol.FixityCheckRequest{FixityCheck: req.wire()}, &created); err != nil {
		return Result{}, fmt.Errorf("create fixity check: %w", err)
	}
	if created.ErrorMessage != nil && *created.ErrorMessage != "" {
		return Result{}, fmt.Errorf("create fixity check: %s", *created.ErrorMessage)
	}

	if p.MaxWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.MaxWait)
		defer cancel()
	}

	statusPath := fmt.Sprintf("%s/%d", createCheckPath, created.ID)
	timer := time.NewTimer(p.Interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return Result{}, fmt.Errorf("fixity check %d: %w", created.ID, ctx.Err())
		case <-timer.C:
		}
		timer.Reset(p.Interval)

		var status protocol.FixityCheckStatus
		if err := p.client.GetJSON(ctx, statusPath, &status); err != nil {
			if ctx.Err() == nil && retryablePollError(err) {
				p.logger.Info("error connecting to fixity service during polling", "id", created.ID, "error", err)
				continue
			}
			return Result{}, fmt.Errorf("poll fixity check %d: %w", created.ID, err)
		}

		switch {
		case status.Terminal():
			return resultFrom(status.FixityCheckResult)
		case status.Status == protocol.StatusPending:
			// The service expires checks that stay pending.
			continue
		}
		if idle := p.now().Sub(status.UpdatedAt); idle > p.StallTimeout {
			return Result{}, fmt.Errorf("%w: fixity check %d last updated %s ago", ErrStallTimeout, created.ID, idle.Round(time.Second))
		}
	}
}

// retryablePollError reports whether a failed poll should be tried again:
// network failures and error statuses are, malformed bodies are not.
func retryablePollError(err error) bool {
	var statusErr *clienthttp.StatusError
	return errors.As(err, &statusErr) || clienthttp.IsNetwork(err)
}
