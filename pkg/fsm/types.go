package fsm

// InstallRequest is the FSM input
type InstallRequest struct {
	RunID           string
	Source          string
	ExpectedVersion string
	Device          string
}

// InstallResponse is the FSM output (accumulated across transitions)
type InstallResponse struct {
	// From CheckDB
	InstallID int64

	// From Install
	State        string
	Version      string
	BytesWritten int64
	TotalBytes   int64
	Transcript   string

	// From Complete/Failed
	Status       string
	ErrorMessage string
}

// State names
const (
	StateCheckDB  = "check_db"
	StateInstall  = "install"
	StateComplete = "complete"
	StateFailed   = "failed"
)
