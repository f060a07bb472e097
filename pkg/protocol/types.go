package protocol

// Cable frame types sent by the server.
const (
	TypeWelcome             = "welcome"
	TypePing                = "ping"
	TypeDisconnect          = "disconnect"
	TypeConfirmSubscription = "confirm_subscription"
	TypeRejectSubscription  = "reject_subscription"
)

// Cable commands sent by the client.
const (
	CommandSubscribe   = "subscribe"
	CommandMessage     = "message"
	CommandUnsubscribe = "unsubscribe"
)

// FixityCheckChannel is the channel that runs remote fixity checks.
const FixityCheckChannel = "FixityCheckChannel"

// ActionRunFixityCheck starts a check on a subscribed channel.
const ActionRunFixityCheck = "run_fixity_check_for_s3_object"

// Message types broadcast on a fixity check channel.
const (
	TypeFixityCheckInProgress = "fixity_check_in_progress"
	TypeFixityCheckComplete   = "fixity_check_complete"
	TypeFixityCheckError      = "fixity_check_error"
)

// Status values of a polled fixity check.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusSuccess    = "success"
	StatusError      = "error"
)
