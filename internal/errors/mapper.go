package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorMapper classifies errors from outside the daemon (container CLI,
// chat APIs) into the kago taxonomy.
type ErrorMapper interface {
	MapError(err error) error
	IsRetryable(err error) bool
	Category(err error) string
}

type DefaultErrorMapper struct{}

func NewDefaultErrorMapper() *DefaultErrorMapper {
	return &DefaultErrorMapper{}
}

// rule matches lowercase error text. First match wins.
type rule struct {
	category error
	needles  []string
}

var mappingRules = []rule{
	{ErrNotFound, []string{"no such container", "no such image", "no such object", "not found", "does not exist"}},
	{ErrConflict, []string{"already in use", "already exists", "conflict"}},
	{ErrPermissionDenied, []string{"permission denied", "unauthorized", "forbidden"}},
	{ErrTransient, []string{
		"too many requests", "rate limit", "retry after",
		"timeout", "deadline exceeded",
		"cannot connect to the docker daemon", "connection refused", "connection reset", "network", "unreachable",
	}},
}

// categories lists every sentinel in Category's precedence order.
var categories = []struct {
	err  error
	name string
}{
	{ErrDuplicateEvent, "ErrDuplicateEvent"},
	{ErrPermissionDenied, "ErrPermissionDenied"},
	{ErrInvalidInput, "ErrInvalidInput"},
	{ErrScheduleInvalid, "ErrScheduleInvalid"},
	{ErrNotFound, "ErrNotFound"},
	{ErrConflict, "ErrConflict"},
	{ErrTransient, "ErrTransient"},
	{ErrSpawnFailure, "ErrSpawnFailure"},
	{ErrTimeout, "ErrTimeout"},
	{ErrNonZeroExit, "ErrNonZeroExit"},
	{ErrFrameParse, "ErrFrameParse"},
	{ErrMailboxParse, "ErrMailboxParse"},
	{ErrStoreCorrupt, "ErrStoreCorrupt"},
	{ErrInternal, "ErrInternal"},
}

// MapError tags err with a category and keeps the original in the chain.
// Cancellation and already classified errors pass through unchanged.
func (m *DefaultErrorMapper) MapError(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	if m.Category(err) != "Unknown" {
		return err
	}

	text := strings.ToLower(err.Error())
	for _, r := range mappingRules {
		for _, needle := range r.needles {
			if strings.Contains(text, needle) {
				return fmt.Errorf("%w: %w", r.category, err)
			}
		}
	}
	return fmt.Errorf("%w: %w", ErrInternal, err)
}

func (m *DefaultErrorMapper) IsRetryable(err error) bool {
	return IsRetryable(err)
}

// Category names the first sentinel in err's chain, "Unknown" when none.
func (m *DefaultErrorMapper) Category(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range categories {
		if errors.Is(err, c.err) {
			return c.name
		}
	}
	return "Unknown"
}

func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// WrapWithCategory puts err under category, keeping both in the chain.
func WrapWithCategory(err error, message string, category error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", message, category, err)
}

func IsCategory(err error, category error) bool {
	return err != nil && errors.Is(err, category)
}

func NotFound(message string) error         { return fmt.Errorf("%s: %w", message, ErrNotFound) }
func PermissionDenied(message string) error { return fmt.Errorf("%s: %w", message, ErrPermissionDenied) }
func InvalidInput(message string) error     { return fmt.Errorf("%s: %w", message, ErrInvalidInput) }
func Transient(message string) error        { return fmt.Errorf("%s: %w", message, ErrTransient) }
func Internal(message string) error         { return fmt.Errorf("%s: %w", message, ErrInternal) }

// IsRetryable reports transient and conflict errors. Cancellation never is.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrConflict)
}
