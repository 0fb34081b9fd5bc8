package entity

import "strings"

// Status is a normalized lifecycle status reported by the server.
type Status string

const (
	StatusPending    Status = "pending"
	StatusQueued     Status = "queued"
	StatusStarted    Status = "started"
	StatusProgress   Status = "progress"
	StatusRetry      Status = "retry"
	StatusGenerating Status = "generating"
	StatusInProgress Status = "in_progress"
	StatusAssembling Status = "assembling"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusSuccess    Status = "success"
	StatusFailure    Status = "failure"
)

// StatusClass partitions statuses for polling decisions.
type StatusClass int

const (
	// NonTerminal means work is still in progress and polling continues.
	NonTerminal StatusClass = iota
	// TerminalSuccess means the cached value is final.
	TerminalSuccess
	// TerminalFailure means the job ended with an error reason.
	TerminalFailure
)

func (c StatusClass) String() string {
	switch c {
	case TerminalSuccess:
		return "terminal_success"
	case TerminalFailure:
		return "terminal_failure"
	default:
		return "non_terminal"
	}
}

// Terminal reports whether no further state change is expected.
func (c StatusClass) Terminal() bool {
	return c == TerminalSuccess || c == TerminalFailure
}

type statusTable struct {
	nonTerminal map[Status]struct{}
	success     map[Status]struct{}
	failure     map[Status]struct{}
}

func newStatusTable(nonTerminal, success, failure []Status) statusTable {
	return statusTable{
		nonTerminal: statusSet(nonTerminal),
		success:     statusSet(success),
		failure:     statusSet(failure),
	}
}

func statusSet(values []Status) map[Status]struct{} {
	set := make(map[Status]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

var (
	avatarStatuses = newStatusTable(
		[]Status{StatusPending, StatusGenerating},
		[]Status{StatusCompleted},
		[]Status{StatusFailed},
	)
	animationStatuses = newStatusTable(
		[]Status{StatusPending, StatusInProgress, StatusAssembling},
		[]Status{StatusCompleted},
		[]Status{StatusFailed},
	)
	// Story jobs run on a task queue that reports its own vocabulary.
	storyStatuses = newStatusTable(
		[]Status{StatusPending, StatusQueued, StatusStarted, StatusProgress, StatusRetry},
		[]Status{StatusSuccess},
		[]Status{StatusFailure},
	)
)

func tableFor(kind Kind) (statusTable, bool) {
	switch kind {
	case KindAvatar:
		return avatarStatuses, true
	case KindAnimation, KindSegment:
		return animationStatuses, true
	case KindStory:
		return storyStatuses, true
	default:
		return statusTable{}, false
	}
}

// NormalizeStatus folds case, surrounding space and separators so that
// "SUCCESS", "In-Progress" and "in progress" compare equal to their canonical
// forms.
func NormalizeStatus(value string) Status {
	normalized := strings.ToLower(strings.TrimSpace(value))
	normalized = strings.NewReplacer("-", "_", " ", "_").Replace(normalized)
	return Status(normalized)
}

// ParseStatus normalizes value and reports whether it belongs to the known
// status set of kind.
func ParseStatus(kind Kind, value string) (Status, bool) {
	status := NormalizeStatus(value)
	if status == "" {
		return "", false
	}
	table, ok := tableFor(kind)
	if !ok {
		return status, false
	}
	if _, ok := table.nonTerminal[status]; ok {
		return status, true
	}
	if _, ok := table.success[status]; ok {
		return status, true
	}
	if _, ok := table.failure[status]; ok {
		return status, true
	}
	return status, false
}

// Classify maps a status of the given kind onto its StatusClass. Unknown
// statuses are NonTerminal: the entity keeps being observed, and polling still
// ends once nobody is watching it.
func Classify(kind Kind, status Status) StatusClass {
	table, ok := tableFor(kind)
	if !ok {
		return NonTerminal
	}
	status = NormalizeStatus(string(status))
	if _, ok := table.success[status]; ok {
		return TerminalSuccess
	}
	if _, ok := table.failure[status]; ok {
		return TerminalFailure
	}
	return NonTerminal
}
