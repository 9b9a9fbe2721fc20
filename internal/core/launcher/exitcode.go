package launcher

import "fmt"

// ExitCode mirrors the exit codes of the embedded proxy core. Callers receive
// exactly one code per started instance through StartOptions.ExitCallback.
type ExitCode int

const (
	ExitOK                 ExitCode = 0
	ExitCrash              ExitCode = 1
	ExitConfigurationError ExitCode = 23
	ExitServerStartFailure ExitCode = 24
	ExitSystemShuttingDown ExitCode = 25
)

func (c ExitCode) String() string {
	switch c {
	case ExitOK:
		return "ok"
	case ExitCrash:
		return "crash"
	case ExitConfigurationError:
		return "configuration error"
	case ExitServerStartFailure:
		return "server start failure"
	case ExitSystemShuttingDown:
		return "system shutting down"
	default:
		return fmt.Sprintf("exit code %d", int(c))
	}
}
