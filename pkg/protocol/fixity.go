package protocol

import "time"

// FixityCheck names the object a remote check should read.
type FixityCheck struct {
	BucketName            string `json:"bucket_name"`
	ObjectPath            string `json:"object_path"`
	ChecksumAlgorithmName string `json:"checksum_algorithm_name"`
}

// FixityCheckRequest is the body of both HTTP endpoints that start a check.
type FixityCheckRequest struct {
	FixityCheck FixityCheck `json:"fixity_check"`
}

// RunFixityCheck is the data of the cable message that starts a check.
type RunFixityCheck struct {
	Action string `json:"action"`
	FixityCheck
}

// NewRunFixityCheck returns the start message for check.
func NewRunFixityCheck(check FixityCheck) RunFixityCheck {
	return RunFixityCheck{Action: ActionRunFixityCheck, FixityCheck: check}
}

// FixityCheckResult is the outcome of a check. ChecksumHexdigest and
// ObjectSize are null when ErrorMessage is set.
type FixityCheckResult struct {
	ChecksumHexdigest *string `json:"checksum_hexdigest"`
	ObjectSize        *int64  `json:"object_size"`
	ErrorMessage      *string `json:"error_message"`
}

// FixityCheckCreated is the response to creating a polled check.
type FixityCheckCreated struct {
	ID           int64   `json:"id"`
	ErrorMessage *string `json:"error_message"`
}

// FixityCheckStatus is one poll of a check.
type FixityCheckStatus struct {
	ID        int64     `json:"id"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
	FixityCheckResult
}

// Terminal reports whether the check has finished.
func (s FixityCheckStatus) Terminal() bool {
	return s.Status == StatusSuccess || s.Status == StatusError
}

// FixityCheckMessage is a message broadcast on a fixity check channel.
type FixityCheckMessage struct {
	Type string            `json:"type"`
	Data FixityCheckResult `json:"data"`
}

// Terminal reports whether the message ends the check.
func (m FixityCheckMessage) Terminal() bool {
	return m.Type == TypeFixityCheckComplete || m.Type == TypeFixityCheckError
}
