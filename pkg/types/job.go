package types

import (
	"encoding/json"
	"time"
)

// JobStatus represents the current state of a journal job
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// IsTerminal reports whether no further transitions are allowed from this status
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// StageNone is the current stage of queued and terminal jobs
const StageNone = "none"

// Result kinds produced by agent stages
const (
	ResultKindText = "text"
	ResultKindJSON = "json"
	ResultKindFile = "file"
)

// Error kinds recorded on failed jobs
const (
	ErrorKindExecution = "execution"
	ErrorKindTimeout   = "timeout"
	ErrorKindCancelled = "cancelled"
)

// Preferences is the user-submitted journal configuration
type Preferences struct {
	Theme         string `json:"theme"`
	TitleStyle    string `json:"title_style"`
	AuthorStyle   string `json:"author_style"`
	ResearchDepth string `json:"research_depth"`
}

// Artifact references a file produced by a stage
type Artifact struct {
	Name        string `json:"name"`
	Key         string `json:"key"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	URL         string `json:"url,omitempty"`
}

// StageResult is the output of one successfully completed stage
type StageResult struct {
	Stage       string          `json:"stage"`
	Kind        string          `json:"kind"`
	Content     json.RawMessage `json:"content,omitempty"`
	Artifacts   []Artifact      `json:"artifacts,omitempty"`
	DurationMs  int64           `json:"duration_ms"`
	CompletedAt time.Time       `json:"completed_at"`
}

// Text returns the content as a plain string. JSON string content is decoded,
// any other JSON value is returned verbatim.
func (r StageResult) Text() string {
	if len(r.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(r.Content, &s); err == nil {
		return s
	}
	return string(r.Content)
}

// JobError describes why a job failed
type JobError struct {
	Stage   string `json:"stage"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (e *JobError) Error() string {
	return e.Message
}

// JournalJob is one user-initiated run of the journal pipeline
type JournalJob struct {
	ID              string        `json:"id"`
	OwnerID         string        `json:"owner_id"`
	Preferences     Preferences   `json:"preferences"`
	Status          JobStatus     `json:"status"`
	CurrentStage    string        `json:"current_stage"`
	ProgressPercent int           `json:"progress_percent"`
	StageResults    []StageResult `json:"stage_results"`
	Error           *JobError     `json:"error,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	StartedAt       *time.Time    `json:"started_at,omitempty"`
	CompletedAt     *time.Time    `json:"completed_at,omitempty"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// Result returns the stored result for a stage
func (j *JournalJob) Result(stage string) (StageResult, bool) {
	for _, r := range j.StageResults {
		if r.Stage == stage {
			return r, true
		}
	}
	return StageResult{}, false
}

// Artifacts returns every artifact produced by the job, in stage order
func (j *JournalJob) Artifacts() []Artifact {
	var out []Artifact
	for _, r := range j.StageResults {
		out = append(out, r.Artifacts...)
	}
	return out
}

// Clone returns a deep copy safe to hand to readers
func (j *JournalJob) Clone() *JournalJob {
	if j == nil {
		return nil
	}
	c := *j
	if j.StageResults != nil {
		c.StageResults = make([]StageResult, len(j.StageResults))
		for i, r := range j.StageResults {
			rc := r
			if r.Content != nil {
				rc.Content = append(json.RawMessage(nil), r.Content...)
			}
			if r.Artifacts != nil {
				rc.Artifacts = append([]Artifact(nil), r.Artifacts...)
			}
			c.StageResults[i] = rc
		}
	}
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// Event builds the progress event describing the job's current state
func (j *JournalJob) Event() ProgressEvent {
	ev := ProgressEvent{
		JobID:           j.ID,
		CurrentStage:    j.CurrentStage,
		ProgressPercent: j.ProgressPercent,
		Status:          j.Status,
		Timestamp:       j.UpdatedAt,
	}
	if j.Error != nil {
		e := *j.Error
		ev.Error = &e
	}
	return ev
}

// ProgressEvent is emitted whenever a stage completes or the job reaches a terminal state
type ProgressEvent struct {
	JobID           string    `json:"job_id"`
	CurrentStage    string    `json:"current_stage"`
	ProgressPercent int       `json:"progress_percent"`
	Status          JobStatus `json:"status"`
	Error           *JobError `json:"error,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// JournalRequest is the message format accepted on the request queue
type JournalRequest struct {
	OwnerID     string      `json:"owner_id"`
	Preferences Preferences `json:"preferences"`
}
