// Package engineerr defines the tagged error kinds the storage engine
// returns to callers (spec §7). Each Error carries a Kind so that callers
// and tests can classify failures with errors.As without string matching,
// and wraps the underlying cause with cockroachdb/errors so the first
// attachment point captures a stack trace.
package engineerr

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Kind tags the category of an engine error.
type Kind string

const (
	Internal             Kind = "INTERNAL"
	Corruption           Kind = "CORRUPTION"
	IO                   Kind = "IO"
	OS                   Kind = "OS"
	MemoryAllocFailed    Kind = "MEMORY_ALLOC_FAILED"
	ExceededLimit        Kind = "EXCEEDED_LIMIT"
	CmdParamsError       Kind = "CE_CMD_PARAMS_ERROR"
	NoAvailableRootPath  Kind = "NO_AVAILABLE_ROOT_PATH"
	InvalidRootPath      Kind = "INVALID_ROOT_PATH"
	DuplicatedRequest    Kind = "DUPLICATED_REQUEST"
	LabelAlreadyUsed     Kind = "LABEL_ALREADY_USED"
	TransactionNotFound  Kind = "TRANSACTION_NOT_FOUND"
	TransactionCommitErr Kind = "TRANSACTION_COMMIT_FAILED"
	TabletQuorumFailed   Kind = "TABLET_QUORUM_FAILED"
	QuotaExceeded        Kind = "QUOTA_EXCEEDED"
	BeginTxnLimitExceed  Kind = "BEGIN_TXN_LIMIT_EXCEEDED"
	MetaNotFound         Kind = "META_NOT_FOUND"
)

// Error is an engine error tagged with a Kind, an operation name, and an
// optional prior txn id for DuplicatedRequest retries.
type Error struct {
	Kind    Kind
	Op      string
	PriorID int64 // set for DuplicatedRequest
	err     error
}

func (e *Error) Error() string {
	if e.err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.err)
}

func (e *Error) Unwrap() error { return e.err }

// New creates a tagged error, capturing a stack trace at this call site.
func New(kind Kind, op string, format string, args ...interface{}) *Error {
	return &Error{
		Kind: kind,
		Op:   op,
		err:  errors.Newf(format, args...),
	}
}

// Wrap tags an existing error with a Kind, preserving its chain.
func Wrap(kind Kind, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind: kind,
		Op:   op,
		err:  errors.WithStack(err),
	}
}

// Duplicated builds the DUPLICATED_REQUEST error carrying the prior
// transaction id, the contract idempotent begin retries rely on (§7).
func Duplicated(op string, priorID int64) *Error {
	return &Error{
		Kind:    DuplicatedRequest,
		Op:      op,
		PriorID: priorID,
		err:     errors.Newf("request already processed as txn %d", priorID),
	}
}

// KindOf extracts the Kind of err, if it (or something it wraps) is an
// *Error. Returns (Internal, false) otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return Internal, false
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
