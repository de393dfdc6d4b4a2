package domainrpc

import "time"

// Message type discriminators carried in the "type" field of backend frames.
const (
	TypeEvent           = "event"
	TypeCommandResponse = "commandResponse"
	TypeCommandProgress = "commandProgress"
	TypeCommandError    = "commandError"
	TypeError           = "error"
)

// Connection limits shared by every transport.
const (
	// MaxConnectionAttempts is the number of dial attempts made by Connect
	// before giving up.
	MaxConnectionAttempts = 10

	// ConnectionTimeout bounds a single dial attempt and a domain module load.
	ConnectionTimeout = 10 * time.Second

	// RetryDelay is the minimum spacing between two dial attempts.
	RetryDelay = 500 * time.Millisecond
)

// Names of the built-in domain.
const (
	BaseDomain               = "base"
	CmdGetDomainDescriptions = "getDomainDescriptions"
	CmdLoadDomainModules     = "loadDomainModulesFromPaths"
	EventNewDomains          = "newDomains"
	EventLog                 = "log"
)

// Standard error messages
const (
	// Protocol errors
	ErrInvalidMessageFormat = "invalid message format"
	ErrNoSuchCommand        = "no such command"
	ErrMissingID            = "missing or non-numeric id"
	ErrMissingDomain        = "missing or empty domain"
	ErrMissingCommand       = "missing or non-string command"

	// Connection errors
	ErrConnectionClosed     = "connection is closed"
	ErrContextCancelled     = "connection context cancelled"
	ErrFailedToEncode       = "failed to encode message"
	ErrServerAlreadyRunning = "server already running"
	ErrRateLimitExceeded    = "rate limit exceeded"
)
