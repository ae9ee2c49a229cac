package pgfast

// ProgressStatus is the status a ProgressFunc receives for a migration
// during an Up/Down run.
type ProgressStatus string

const (
	ProgressStarted    ProgressStatus = "started"
	ProgressCompleted  ProgressStatus = "completed"
	ProgressWouldApply ProgressStatus = "would-apply"
)

// ProgressFunc is invoked twice per migration during Up/Down, reporting
// its 1-based position in the plan and the elapsed time since it
// started: first with ProgressStarted, then with ProgressCompleted once
// it has committed (or ProgressWouldApply under DryRun). A failure is
// never reported through this callback; an error return from Up/Down is
// the only failure signal.
type ProgressFunc func(migration *Migration, index, total int, status ProgressStatus, elapsedSeconds float64)
