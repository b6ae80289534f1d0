package model

// JobKind identifies which background job a queue message requests.
type JobKind string

const (
	// JobAIReview runs the full chunked review pipeline.
	JobAIReview JobKind = "AIReview"

	// JobRiskAnalysis generates a single risk assessment.
	JobRiskAnalysis JobKind = "RiskAnalysis"

	// JobImprovements generates the improvement-suggestion set.
	JobImprovements JobKind = "ImprovementSuggestions"

	// JobPRSummary generates the pull-request summary.
	JobPRSummary JobKind = "PRSummary"

	// JobComprehensive runs risk, improvements and summary as one composite.
	JobComprehensive JobKind = "Comprehensive"
)

// Operation maps a job kind to the operation type used for prompt selection
// and usage attribution. The composite kind has no operation of its own.
func (k JobKind) Operation() (OperationType, bool) {
	switch k {
	case JobAIReview:
		return OperationReview, true
	case JobRiskAnalysis:
		return OperationRiskAnalysis, true
	case JobImprovements:
		return OperationImprovements, true
	case JobPRSummary:
		return OperationPRSummary, true
	default:
		return "", false
	}
}

// JobStatus is the execution status stored in a job's Redis execution hash.
type JobStatus string

const (
	// JobRunning indicates a worker currently owns the job.
	JobRunning JobStatus = "Running"

	// JobCompleted indicates the job finished and wrote its dedup marker.
	JobCompleted JobStatus = "Completed"

	// JobFailed indicates the job ended with an error; retries may rerun it.
	JobFailed JobStatus = "Failed"

	// JobCancelled indicates the job was cancelled by user, admin or timeout.
	JobCancelled JobStatus = "Cancelled"
)
