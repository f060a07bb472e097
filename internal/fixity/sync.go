package fixity

import (
	"context"
	"fmt"

	"github.com/sheerbytes/coldvault/internal/clienthttp"
	"github.com/sheerbytes/coldvault/pkg/protocol"
)

const syncCheckPath = "/fixity_checks/run_fixity_check_for_s3_object"

// SyncHTTP runs the check inside a single request. It suits objects small
// enough for the service to read within the client timeout.
type SyncHTTP struct {
	client *clienthttp.Client
}

// NewSyncHTTP returns a synchronous transport.
func NewSyncHTTP(client *clienthttp.Client) *SyncHTTP {
	return &SyncHTTP{client: client}
}

// Check implements Transport. A request that outlives the client timeout
// is reported as ErrStallTimeout.
func (s *SyncHTTP) Check(ctx context.Context, req Request) (Result, error) {
	var res protocol.FixityCheckResult
	err := s.client.PostJSON(ctx, syncCheckPath, protocol.FixityCheckRequest{FixityCheck: req.wire()}, &res)
	if err != nil {
		if ctx.Err() == nil && clienthttp.IsTimeout(err) {
			return Result{}, fmt.Errorf("%w: %v", ErrStallTimeout, err)
		}
		return Result{}, err
	}
	return resultFrom(res)
}
