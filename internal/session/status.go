package session

// Status is the closed state-machine status of a session. It is an enum,
// not a free-form string: every mutation goes through Transition and any
// edge not in the table below is rejected.
type Status string

const (
	// StatusSetup is an agent session created without a prompt yet.
	StatusSetup Status = "setup"

	// Pending sub-states: the session waits on user input or an external
	// result before anything is dispatched.
	StatusPendingTranscription Status = "pending_transcription"
	StatusTranscriptionError   Status = "transcription_error"
	StatusPendingApproval      Status = "pending_approval"
	StatusPendingRepo          Status = "pending_repo"

	StatusInitializing Status = "initializing"

	// Working sub-states: the worker is actively executing a query.
	StatusQuerying   Status = "querying"
	StatusTool       Status = "tool"
	StatusThinking   Status = "thinking"
	StatusResponding Status = "responding"
	StatusSubagent   Status = "subagent"

	StatusIdle  Status = "idle"
	StatusDone  Status = "done"
	StatusError Status = "error"
)

// IsWorking reports whether the status counts as actively working for
// duration accounting. Entering a working status opens the work timer;
// leaving one closes it into the accumulator.
func (s Status) IsWorking() bool {
	switch s {
	case StatusInitializing, StatusQuerying, StatusTool, StatusThinking,
		StatusResponding, StatusSubagent:
		return true
	}
	return false
}

// IsPending reports whether the status is part of the pending super-state.
// All pending fields are cleared together when a session leaves it.
func (s Status) IsPending() bool {
	switch s {
	case StatusPendingTranscription, StatusTranscriptionError,
		StatusPendingApproval, StatusPendingRepo:
		return true
	}
	return false
}

// HasDetail reports whether StatusDetail may be attached to this status.
func (s Status) HasDetail() bool {
	return s == StatusTool || s == StatusSubagent
}

// Event is a state-machine input. Each event is legal only from the source
// statuses listed in the transition table; applying it from anywhere else
// is an InvalidTransition, which callers must treat as a logic bug.
type Event string

const (
	// EventPromptProvided fires when the user supplies prompt and config
	// for a setup session.
	EventPromptProvided Event = "prompt-provided"

	// Transcript pipeline events
	EventTranscriptionFailed Event = "transcription-failed"
	EventRetryTranscription  Event = "retry-transcription"
	EventTranscriptResolved  Event = "transcript-resolved"
	EventAwaitApproval       Event = "await-approval"
	EventAwaitRepo           Event = "await-repo"
	EventApproved            Event = "approved"
	EventRepoResolved        Event = "repo-resolved"

	// Worker lifecycle events
	EventQueryAccepted  Event = "query-accepted"
	EventNewQuery       Event = "new-query"
	EventQueryCompleted Event = "query-completed"
	EventQueryFailed    Event = "query-failed"

	// Streamed activity events, toggling the working sub-states
	EventToolActivity       Event = "tool-activity"
	EventThinkingActivity   Event = "thinking-activity"
	EventRespondingActivity Event = "responding-activity"
	EventSubagentActivity   Event = "subagent-activity"
	EventStreamActivity     Event = "stream-activity"

	// PTY lifecycle events
	EventPTYStarted    Event = "pty-started"
	EventProcessExited Event = "process-exited"
)

// workingSources are the statuses the streamed activity events toggle among.
var workingSources = []Status{
	StatusQuerying, StatusTool, StatusThinking, StatusResponding, StatusSubagent,
}

// transitions maps each event to its legal (from -> to) edges.
var transitions = map[Event]map[Status]Status{
	EventPromptProvided: {
		StatusSetup: StatusInitializing,
	},
	EventTranscriptionFailed: {
		StatusPendingTranscription: StatusTranscriptionError,
	},
	EventRetryTranscription: {
		StatusTranscriptionError: StatusPendingTranscription,
	},
	EventTranscriptResolved: {
		StatusPendingTranscription: StatusInitializing,
	},
	EventAwaitApproval: {
		StatusPendingTranscription: StatusPendingApproval,
		// Repo resolution happens before the approval gate; a session with
		// both gates enabled passes through pending_repo first.
		StatusPendingRepo: StatusPendingApproval,
	},
	EventAwaitRepo: {
		StatusPendingTranscription: StatusPendingRepo,
	},
	EventApproved: {
		StatusPendingApproval: StatusInitializing,
	},
	EventRepoResolved: {
		StatusPendingRepo: StatusInitializing,
	},
	EventQueryAccepted: {
		StatusInitializing: StatusQuerying,
	},
	EventNewQuery: {
		StatusIdle:  StatusQuerying,
		StatusError: StatusQuerying,
	},
	EventQueryCompleted: edgesTo(workingSources, StatusIdle),
	EventQueryFailed: edgesTo(
		append([]Status{StatusInitializing}, workingSources...), StatusError),
	EventToolActivity:       edgesTo(workingSources, StatusTool),
	EventThinkingActivity:   edgesTo(workingSources, StatusThinking),
	EventRespondingActivity: edgesTo(workingSources, StatusResponding),
	EventSubagentActivity:   edgesTo(workingSources, StatusSubagent),
	EventStreamActivity:     edgesTo(workingSources, StatusQuerying),

	EventPTYStarted: {
		StatusInitializing: StatusResponding,
	},
	EventProcessExited: {
		StatusResponding: StatusDone,
		StatusQuerying:   StatusDone,
	},
}

func edgesTo(from []Status, to Status) map[Status]Status {
	m := make(map[Status]Status, len(from))
	for _, f := range from {
		m[f] = to
	}
	return m
}

// next resolves the target status for applying event from the given status.
// The second return is false for an illegal edge.
func next(from Status, event Event) (Status, bool) {
	edges, ok := transitions[event]
	if !ok {
		return "", false
	}
	to, ok := edges[from]
	return to, ok
}
