package db

// Schema defines the SQLite database schema for installation history.
// One row per run; the transcript is stored once the run is terminal.
const Schema = `
CREATE TABLE IF NOT EXISTS installs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL UNIQUE,
    source TEXT NOT NULL,
    version TEXT,
    device TEXT NOT NULL,
    status TEXT NOT NULL CHECK(status IN ('pending', 'running', 'done', 'failed', 'pruned')),
    state TEXT,
    bytes_written INTEGER NOT NULL DEFAULT 0,
    total_bytes INTEGER NOT NULL DEFAULT 0,
    error_message TEXT,
    transcript TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_installs_run_id ON installs(run_id);
CREATE INDEX IF NOT EXISTS idx_installs_status ON installs(status);
CREATE INDEX IF NOT EXISTS idx_installs_created_at ON installs(created_at);
`

// Status constants
const (
	StatusPending = "pending"
	StatusRunning = "running"
	StatusDone    = "done"
	StatusFailed  = "failed"
	StatusPruned  = "pruned"
)

// Install represents one installation run
type Install struct {
	ID           int64
	RunID        string
	Source       string
	Version      string
	Device       string
	Status       string
	State        string
	BytesWritten int64
	TotalBytes   int64
	ErrorMessage string
	Transcript   string
	CreatedAt    string
	UpdatedAt    string
}

// Terminal reports whether the run has finished, successfully or not.
func (i *Install) Terminal() bool {
	return i.Status == StatusDone || i.Status == StatusFailed || i.Status == StatusPruned
}
