package ota

import "fmt"

// Phase is the engine's position in an update run.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseChecking
	PhaseDownloading
	PhaseVerifying
	PhaseInstalling
	PhaseSuccess
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseChecking:
		return "checking"
	case PhaseDownloading:
		return "downloading"
	case PhaseVerifying:
		return "verifying"
	case PhaseInstalling:
		return "installing"
	case PhaseSuccess:
		return "success"
	case PhaseError:
		return "error"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Terminal reports whether p ends a run.
func (p Phase) Terminal() bool { return p == PhaseSuccess || p == PhaseError }

// ErrorKind says why a run failed.
type ErrorKind int

const (
	ErrorNone ErrorKind = iota
	NetworkError
	DownloadFailed
	SignatureInvalid
	WriteFailed
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorNone:
		return "none"
	case NetworkError:
		return "network_error"
	case DownloadFailed:
		return "download_failed"
	case SignatureInvalid:
		return "signature_invalid"
	case WriteFailed:
		return "write_failed"
	default:
		return fmt.Sprintf("error_kind(%d)", int(k))
	}
}

// StatusText is the short label shown under the progress arc.
func StatusText(p Phase, k ErrorKind) string {
	switch p {
	case PhaseChecking:
		return "Checking..."
	case PhaseDownloading:
		return "Downloading..."
	case PhaseVerifying:
		return "Verifying..."
	case PhaseInstalling:
		return "Installing..."
	case PhaseSuccess:
		return "Complete!"
	case PhaseError:
		switch k {
		case NetworkError:
			return "Network Error"
		case DownloadFailed:
			return "Download Failed"
		case SignatureInvalid:
			return "Invalid Signature"
		default:
			return "Update Error"
		}
	default:
		return ""
	}
}

// Progress is one status notification from a run.
type Progress struct {
	RunID   string
	Percent int
	Phase   Phase
	Err     ErrorKind
}

// Text returns StatusText for the notification.
func (p Progress) Text() string { return StatusText(p.Phase, p.Err) }
