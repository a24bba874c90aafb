package errors

const (
	CodeUnknown Code = "UNKNOWN"

	CodeInvalidTerms      Code = "INVALID_TERMS"
	CodeAmountMismatch    Code = "AMOUNT_MISMATCH"
	CodeUnknownAgent      Code = "UNKNOWN_AGENT"
	CodeInsufficientStake Code = "INSUFFICIENT_STAKE"
	CodeInvalidRating     Code = "INVALID_RATING"
	CodeInvalidArgument   Code = "INVALID_ARGUMENT"
	CodeNotFound          Code = "NOT_FOUND"

	CodeUnauthorized         Code = "UNAUTHORIZED"
	CodeUnauthorizedArbiter  Code = "UNAUTHORIZED_ARBITER"
	CodeUnauthorizedReviewer Code = "UNAUTHORIZED_REVIEWER"

	CodeInvalidState           Code = "INVALID_STATE"
	CodeTerminalState          Code = "TERMINAL_STATE"
	CodeCapExceeded            Code = "CAP_EXCEEDED"
	CodeDuplicateReview        Code = "DUPLICATE_REVIEW"
	CodeDuplicateVote          Code = "DUPLICATE_VOTE"
	CodeInsufficientArbiters   Code = "INSUFFICIENT_ARBITERS"
	CodeConcurrentModification Code = "CONCURRENT_MODIFICATION"
	CodeContention             Code = "CONTENTION"

	CodeUnreachable           Code = "UNREACHABLE"
	CodeIndeterminate         Code = "INDETERMINATE"
	CodeSettlementUnavailable Code = "SETTLEMENT_UNAVAILABLE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
)

func builtinAttributes() map[Code]Attributes {
	return map[Code]Attributes{
		CodeUnknown: {Message: "unknown error", Category: CategoryInternal, Severity: SeverityCritical},

		CodeInvalidTerms:      {Message: "invalid terms", Category: CategoryValidation, Severity: SeverityInfo},
		CodeAmountMismatch:    {Message: "amount does not match agreed price", Category: CategoryValidation, Severity: SeverityInfo},
		CodeUnknownAgent:      {Message: "agent not registered", Category: CategoryValidation, Severity: SeverityInfo},
		CodeInsufficientStake: {Message: "stake below minimum", Category: CategoryValidation, Severity: SeverityInfo},
		CodeInvalidRating:     {Message: "rating out of range", Category: CategoryValidation, Severity: SeverityInfo},
		CodeInvalidArgument:   {Message: "invalid argument", Category: CategoryValidation, Severity: SeverityInfo},
		CodeNotFound:          {Message: "resource not found", Category: CategoryValidation, Severity: SeverityInfo},

		CodeUnauthorized:         {Message: "caller is not permitted", Category: CategoryAuthorization, Severity: SeverityWarning},
		CodeUnauthorizedArbiter:  {Message: "caller is not on the panel", Category: CategoryAuthorization, Severity: SeverityWarning},
		CodeUnauthorizedReviewer: {Message: "caller was not a party", Category: CategoryAuthorization, Severity: SeverityWarning},

		CodeInvalidState:         {Message: "operation not valid in current state", Category: CategoryState, Severity: SeverityWarning},
		CodeTerminalState:        {Message: "record is in a terminal state", Category: CategoryState, Severity: SeverityWarning},
		CodeCapExceeded:          {Message: "step cap exceeded", Category: CategoryState, Severity: SeverityWarning},
		CodeDuplicateReview:      {Message: "review already submitted", Category: CategoryState, Severity: SeverityInfo},
		CodeDuplicateVote:        {Message: "vote already cast", Category: CategoryState, Severity: SeverityInfo},
		CodeInsufficientArbiters: {Message: "not enough eligible arbiters", Category: CategoryState, Severity: SeverityCritical},

		CodeConcurrentModification: {Message: "version changed underneath", Category: CategoryConcurrency, Severity: SeverityInfo, Retryable: true},
		CodeContention:             {Message: "retries exhausted under contention", Category: CategoryConcurrency, Severity: SeverityWarning, Retryable: true},

		CodeUnreachable:           {Message: "settlement backend unreachable", Category: CategoryBackend, Severity: SeverityWarning, Retryable: true},
		CodeIndeterminate:         {Message: "settlement outcome unknown", Category: CategoryBackend, Severity: SeverityCritical, Retryable: true},
		CodeSettlementUnavailable: {Message: "settlement backend unavailable", Category: CategoryBackend, Severity: SeverityCritical, Retryable: true},
		CodeStorageFailure:        {Message: "storage failure", Category: CategoryBackend, Severity: SeverityCritical, Retryable: true},
	}
}

// Sentinels for errors.Is comparisons. Matching is by code, so any Error
// created with the same code satisfies errors.Is against these.
var (
	ErrInvalidTerms      = New(CodeInvalidTerms, "")
	ErrAmountMismatch    = New(CodeAmountMismatch, "")
	ErrUnknownAgent      = New(CodeUnknownAgent, "")
	ErrInsufficientStake = New(CodeInsufficientStake, "")
	ErrInvalidRating     = New(CodeInvalidRating, "")
	ErrInvalidArgument   = New(CodeInvalidArgument, "")
	ErrNotFound          = New(CodeNotFound, "")

	ErrUnauthorized         = New(CodeUnauthorized, "")
	ErrUnauthorizedArbiter  = New(CodeUnauthorizedArbiter, "")
	ErrUnauthorizedReviewer = New(CodeUnauthorizedReviewer, "")

	ErrInvalidState         = New(CodeInvalidState, "")
	ErrTerminalState        = New(CodeTerminalState, "")
	ErrCapExceeded          = New(CodeCapExceeded, "")
	ErrDuplicateReview      = New(CodeDuplicateReview, "")
	ErrDuplicateVote        = New(CodeDuplicateVote, "")
	ErrInsufficientArbiters = New(CodeInsufficientArbiters, "")

	ErrConcurrentModification = New(CodeConcurrentModification, "")
	ErrContention             = New(CodeContention, "")

	ErrUnreachable           = New(CodeUnreachable, "")
	ErrIndeterminate         = New(CodeIndeterminate, "")
	ErrSettlementUnavailable = New(CodeSettlementUnavailable, "")
	ErrStorageFailure        = New(CodeStorageFailure, "")
)
