package app

import (
	"errors"
	"fmt"
	"net/http"

	"collab/engine/internal/document"
	"collab/engine/internal/history"
	"collab/engine/internal/presence"
	"collab/engine/internal/schema"
)

var (
	ErrDocumentNotOpen = errors.New("document not open")
	ErrShuttingDown    = errors.New("host is shutting down")
	ErrContention      = errors.New("too many concurrent submissions")
)

// DomainError is the shape errors take when they leave the engine.
type DomainError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"error"`
	Details any    `json:"details,omitempty"`
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

var errorCodes = []struct {
	err    error
	status int
	code   string
}{
	{history.ErrSnapshotNotFound, http.StatusNotFound, "SNAPSHOT_NOT_FOUND"},
	{history.ErrBranchNotFound, http.StatusNotFound, "BRANCH_NOT_FOUND"},
	{history.ErrTagNotFound, http.StatusNotFound, "TAG_NOT_FOUND"},
	{ErrDocumentNotOpen, http.StatusNotFound, "DOCUMENT_NOT_OPEN"},
	{history.ErrBranchExists, http.StatusConflict, "BRANCH_EXISTS"},
	{history.ErrTagExists, http.StatusConflict, "TAG_EXISTS"},
	{history.ErrNotDescendant, http.StatusConflict, "NOT_DESCENDANT"},
	{document.ErrStaleRevision, http.StatusConflict, "STALE_REVISION"},
	{presence.ErrStalePresence, http.StatusConflict, "STALE_PRESENCE"},
	{ErrContention, http.StatusConflict, "CONTENTION"},
	{history.ErrAmbiguousID, http.StatusBadRequest, "AMBIGUOUS_ID"},
	{history.ErrInvalidName, http.StatusBadRequest, "INVALID_NAME"},
	{schema.ErrInvalidEvent, http.StatusBadRequest, "INVALID_EVENT"},
	{schema.ErrUnknownVersion, http.StatusBadRequest, "UNKNOWN_SCHEMA_VERSION"},
	{document.ErrOutOfRange, http.StatusUnprocessableEntity, "OUT_OF_RANGE"},
	{document.ErrMalformedOperation, http.StatusUnprocessableEntity, "MALFORMED_OPERATION"},
	{document.ErrCausalDependencyMissing, http.StatusAccepted, "DEPENDENCY_PENDING"},
	{presence.ErrPresenceRejected, http.StatusUnprocessableEntity, "PRESENCE_REJECTED"},
	{ErrShuttingDown, http.StatusServiceUnavailable, "SHUTTING_DOWN"},
}

// AsDomainError maps an engine error onto a stable code for callers that
// surface errors to users. Unknown errors become INTERNAL.
func AsDomainError(err error) *DomainError {
	if err == nil {
		return nil
	}
	var de *DomainError
	if errors.As(err, &de) {
		return de
	}
	for _, entry := range errorCodes {
		if errors.Is(err, entry.err) {
			return domainError(entry.status, entry.code, err.Error(), nil)
		}
	}
	return domainError(http.StatusInternalServerError, "INTERNAL", "internal error", nil)
}
