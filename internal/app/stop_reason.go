package app

// StopMode selects how the daemon treats an in-flight task on shutdown.
type StopMode int

const (
	// StopGraceful lets the in-flight task finish naturally.
	StopGraceful StopMode = iota
	// StopForced terminates the in-flight process group right away.
	StopForced
)

func (m StopMode) String() string {
	if m == StopForced {
		return "forced"
	}
	return "graceful"
}

// StopReason records what initiated shutdown. Only used in logs.
type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSIGINT     StopReason = "sigint"
	StopSIGTERM    StopReason = "sigterm"
	StopSIGQUIT    StopReason = "sigquit"
	StopContext    StopReason = "context"
	StopFatalError StopReason = "fatal_error"
)
