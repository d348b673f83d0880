// Package captureerr defines the exit-code taxonomy carried inside lifecycle
// messages (never as a process exit code — captures run as goroutines, not
// subprocesses).
package captureerr

// Code is an ERR_* kind attached to a CaptureFailed or CaptureFinished message.
type Code int

const (
	None    Code = 0
	Unknown Code = 1

	StartInvalidParams    Code = 100
	StartNoPermission     Code = 101
	StartInterfaceMissing Code = 102
	StartProcessNotFound  Code = 103
	StartPcapOpenFailed   Code = 104
	StartCreateFileFailed Code = 105

	RunPcapDied    Code = 200
	RunDiskFull    Code = 201
	RunTimeout     Code = 202
	RunCancelled   Code = 203
	RunProcessDied Code = 204

	CleanCompressFailed Code = 300
	CleanDeleteFailed   Code = 301
	CleanDiskFull       Code = 302
)

func (c Code) String() string {
	switch c {
	case None:
		return "none"
	case Unknown:
		return "unknown"
	case StartInvalidParams:
		return "start_invalid_params"
	case StartNoPermission:
		return "start_no_permission"
	case StartInterfaceMissing:
		return "start_interface_not_found"
	case StartProcessNotFound:
		return "start_process_not_found"
	case StartPcapOpenFailed:
		return "start_tcpdump_failed"
	case StartCreateFileFailed:
		return "start_create_file_failed"
	case RunPcapDied:
		return "run_tcpdump_died"
	case RunDiskFull:
		return "run_disk_full"
	case RunTimeout:
		return "run_timeout"
	case RunCancelled:
		return "run_cancelled"
	case RunProcessDied:
		return "run_process_died"
	case CleanCompressFailed:
		return "clean_compress_failed"
	case CleanDeleteFailed:
		return "clean_delete_failed"
	case CleanDiskFull:
		return "clean_disk_full"
	default:
		return "unrecognized"
	}
}

// Error wraps a Code with a human message, satisfying the error interface so
// it can travel through normal Go error-return paths before being folded into
// a lifecycle message at the actor boundary.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code.String()
	}
	return e.Code.String() + ": " + e.Message
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}
