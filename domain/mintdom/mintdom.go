// Package mintdom holds the plain record types for the task-based mint
// engine: tasks, their tests, and submissions. SPEC_FULL.md §4.7.
package mintdom

import "time"

// TaskStatus is the lifecycle of a mint task.
type TaskStatus string

const (
	TaskOpen   TaskStatus = "open"
	TaskClosed TaskStatus = "closed"
)

// TestCase is one public or hidden test: call the candidate's entry
// point with Input and expect Expect back.
type TestCase struct {
	Name   string `json:"name"`
	Input  []any  `json:"input"`
	Expect any    `json:"expect"`
}

// Task is a mint task artifact's content.
type Task struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	EntryPoint  string     `json:"entry_point"` // method name invoked on the candidate artifact
	PublicTests []TestCase `json:"public_tests"`
	HiddenTests []TestCase `json:"hidden_tests"`
	Reward      int64      `json:"reward"`
	Status      TaskStatus `json:"status"`
	CreatedBy   string     `json:"created_by"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// SubmissionStatus is the outcome of a mint submission.
type SubmissionStatus string

const (
	SubmissionPending SubmissionStatus = "pending"
	SubmissionPassed  SubmissionStatus = "passed"
	SubmissionFailed  SubmissionStatus = "failed"
)

// TestResult records one test's pass/fail outcome and, for public tests
// only, the assertion trace. Hidden-test results surface pass/fail alone
// (spec.md §4.7 step 3).
type TestResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Trace  string `json:"trace,omitempty"`
	Hidden bool   `json:"hidden"`
}

// Submission is one agent's attempt to close a mint task.
type Submission struct {
	ID            string       `json:"id"`
	TaskID        string       `json:"task_id"`
	ArtifactID    string       `json:"artifact_id"`
	Submitter     string       `json:"submitter"`
	Bid           int64        `json:"bid"`
	Status        SubmissionStatus `json:"status"`
	PublicResults []TestResult `json:"public_results"`
	HiddenResults []TestResult `json:"hidden_results,omitempty"`
	FailureReason string       `json:"failure_reason,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	ResolvedAt    time.Time    `json:"resolved_at,omitempty"`
}
