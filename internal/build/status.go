package build

// Status represents the status of a build, stage, container or element as a string.
type Status string

const (
	StatusQueue            Status = "QUEUE"
	StatusQueueCache       Status = "QUEUE_CACHE"
	StatusRunning          Status = "RUNNING"
	StatusReviewing        Status = "REVIEWING"
	StatusPrepareEnv       Status = "PREPARE_ENV"
	StatusLoopWaiting      Status = "LOOP_WAITING"
	StatusCallWaiting      Status = "CALL_WAITING"
	StatusPause            Status = "PAUSE"
	StatusSucceed          Status = "SUCCEED"
	StatusFailed           Status = "FAILED"
	StatusCanceled         Status = "CANCELED"
	StatusTerminate        Status = "TERMINATE"
	StatusReviewAbort      Status = "REVIEW_ABORT"
	StatusReviewProcessed  Status = "REVIEW_PROCESSED"
	StatusHeartbeatTimeout Status = "HEARTBEAT_TIMEOUT"
	StatusQualityCheckFail Status = "QUALITY_CHECK_FAIL"
	StatusQueueTimeout     Status = "QUEUE_TIMEOUT"
	StatusExecTimeout      Status = "EXEC_TIMEOUT"
	StatusSkip             Status = "SKIP"
	StatusStageSuccess     Status = "STAGE_SUCCESS"
	StatusUnexec           Status = "UNEXEC"
	StatusUnknown          Status = "UNKNOWN"
)

type statusType int

const (
	statusTypeReady statusType = iota
	statusTypeRunning
	statusTypeFinish
	statusTypeUnknown
)

var statuses = map[Status]statusType{
	StatusQueue:            statusTypeReady,
	StatusQueueCache:       statusTypeReady,
	StatusRunning:          statusTypeRunning,
	StatusReviewing:        statusTypeRunning,
	StatusPrepareEnv:       statusTypeRunning,
	StatusLoopWaiting:      statusTypeRunning,
	StatusCallWaiting:      statusTypeRunning,
	StatusPause:            statusTypeRunning,
	StatusSucceed:          statusTypeFinish,
	StatusFailed:           statusTypeFinish,
	StatusCanceled:         statusTypeFinish,
	StatusTerminate:        statusTypeFinish,
	StatusReviewAbort:      statusTypeFinish,
	StatusReviewProcessed:  statusTypeFinish,
	StatusHeartbeatTimeout: statusTypeFinish,
	StatusQualityCheckFail: statusTypeFinish,
	StatusQueueTimeout:     statusTypeFinish,
	StatusExecTimeout:      statusTypeFinish,
	StatusSkip:             statusTypeFinish,
	StatusStageSuccess:     statusTypeFinish,
	StatusUnexec:           statusTypeFinish,
	StatusUnknown:          statusTypeUnknown,
}

// ParseStatus converts a string to a Status.
// Blank and unknown strings become StatusUnknown.
func ParseStatus(s string) Status {
	status := Status(s)
	if _, known := statuses[status]; !known {
		return StatusUnknown
	}
	return status
}

// IsRunning reports whether s is one of the active states.
func (s Status) IsRunning() bool {
	t, ok := statuses[s]
	return ok && t == statusTypeRunning
}

// IsFinish reports whether s is terminal.
func (s Status) IsFinish() bool {
	t, ok := statuses[s]
	return ok && t == statusTypeFinish
}

// IsReady reports whether s is waiting to be scheduled.
func (s Status) IsReady() bool {
	t, ok := statuses[s]
	return ok && t == statusTypeReady
}

func (s Status) IsFailure() bool {
	switch s {
	case StatusFailed, StatusTerminate, StatusHeartbeatTimeout, StatusQualityCheckFail,
		StatusQueueTimeout, StatusExecTimeout, StatusReviewAbort:
		return true
	default:
		return false
	}
}

func (s Status) IsCancel() bool {
	return s == StatusCanceled
}

// RunCondition is the policy that decides whether an element still runs
// after its container is canceled or a previous element failed.
type RunCondition string

const (
	RunConditionPreTaskSuccess            RunCondition = "PRE_TASK_SUCCESS"
	RunConditionPreTaskFailedButCancel    RunCondition = "PRE_TASK_FAILED_BUT_CANCEL"
	RunConditionPreTaskFailedEvenCancel   RunCondition = "PRE_TASK_FAILED_EVEN_CANCEL"
	RunConditionPreTaskFailedOnly         RunCondition = "PRE_TASK_FAILED_ONLY"
	RunConditionOtherTaskRunning          RunCondition = "OTHER_TASK_RUNNING"
	RunConditionCustomVariableMatch       RunCondition = "CUSTOM_VARIABLE_MATCH"
	RunConditionCustomVariableMatchNotRun RunCondition = "CUSTOM_VARIABLE_MATCH_NOT_RUN"
)
