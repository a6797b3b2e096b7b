package stateflow

import (
	stderrors "errors"
	"strings"

	apperrors "github.com/goliatone/go-errors"
)

const (
	ErrCodeNotFound          = "FLOW_NOT_FOUND"
	ErrCodeIncompatibleState = "FLOW_STATE_INCOMPATIBLE"
	ErrCodeMissingParameter  = "FLOW_PARAM_MISSING"
	ErrCodeParameterType     = "FLOW_PARAM_TYPE"
	ErrCodeSchema            = "FLOW_SCHEMA_INVALID"
	ErrCodeLogic             = "FLOW_LOGIC_FAULT"
	ErrCodeAccessDenied      = "FLOW_ACCESS_DENIED"
	ErrCodeVersionConflict   = "FLOW_VERSION_CONFLICT"
)

// Base errors for the module. Call sites stamp context onto copies via
// CloneError; the sentinels themselves are never mutated.
var (
	ErrNotFound = apperrors.New("resource not found", apperrors.CategoryBadInput).
			WithTextCode(ErrCodeNotFound)
	ErrIncompatibleState = apperrors.New("entity state incompatible with path", apperrors.CategoryConflict).
				WithTextCode(ErrCodeIncompatibleState)
	ErrMissingParameter = apperrors.New("required parameter missing", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeMissingParameter)
	ErrParameterType = apperrors.New("parameter value has wrong type", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeParameterType)
	ErrSchema = apperrors.New("document violates schema", apperrors.CategoryValidation).
			WithTextCode(ErrCodeSchema)
	ErrLogic = apperrors.New("logic fault", apperrors.CategoryHandler).
			WithTextCode(ErrCodeLogic)
	ErrAccessDenied = apperrors.New("access denied", apperrors.CategoryBadInput).
			WithTextCode(ErrCodeAccessDenied)
	ErrVersionConflict = apperrors.New("version conflict", apperrors.CategoryConflict).
				WithTextCode(ErrCodeVersionConflict)
)

// CloneError copies base and overlays message, source, and metadata.
func CloneError(base *apperrors.Error, message string, source error, metadata map[string]any) *apperrors.Error {
	if base == nil {
		base = ErrLogic
	}
	err := base.Clone()
	if text := strings.TrimSpace(message); text != "" {
		err.Message = text
	}
	if source != nil {
		err.Source = source
	}
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}

// ErrorCode extracts the text code from err, or "" when err carries none.
func ErrorCode(err error) string {
	var ge *apperrors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode
	}
	return ""
}

func IsNotFound(err error) bool          { return ErrorCode(err) == ErrCodeNotFound }
func IsIncompatibleState(err error) bool { return ErrorCode(err) == ErrCodeIncompatibleState }
func IsMissingParameter(err error) bool  { return ErrorCode(err) == ErrCodeMissingParameter }
func IsParameterType(err error) bool     { return ErrorCode(err) == ErrCodeParameterType }
func IsSchema(err error) bool            { return ErrorCode(err) == ErrCodeSchema }
func IsLogic(err error) bool             { return ErrorCode(err) == ErrCodeLogic }
func IsAccessDenied(err error) bool      { return ErrorCode(err) == ErrCodeAccessDenied }
func IsVersionConflict(err error) bool   { return ErrorCode(err) == ErrCodeVersionConflict }
