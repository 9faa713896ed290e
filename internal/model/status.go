package model

// Status is a Sensu check status.
type Status int

const (
	StatusOK       Status = 0
	StatusWarning  Status = 1
	StatusCritical Status = 2
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusWarning:
		return "warning"
	case StatusCritical:
		return "critical"
	default:
		return "unknown"
	}
}

const (
	// ExitLocked is returned when another instance holds the lock.
	ExitLocked = -1
	// ExitUnknown is returned when no attempt produced an exit code.
	ExitUnknown = -42
)
