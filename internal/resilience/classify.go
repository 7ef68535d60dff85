// Package resilience wraps engine operations with classification, retry,
// per-operation circuit breaking, and the fallback-mode switch.
package resilience

import (
	"context"
	"errors"
	"strings"

	"columnist/internal/domain"
)

// Class buckets an error for the retry policy.
type Class int

const (
	ClassUnknown Class = iota
	ClassTransient
	ClassPermanent
	ClassAuthentication
	ClassValidation
	ClassStorage
	ClassNetwork
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	case ClassAuthentication:
		return "authentication"
	case ClassValidation:
		return "validation"
	case ClassStorage:
		return "storage"
	case ClassNetwork:
		return "network"
	default:
		return "unknown"
	}
}

// Classify buckets err. Sentinel matches win; the string fallback catches
// raw driver errors that never passed through the domain package.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassUnknown
	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrDimensionMismatch),
		errors.Is(err, domain.ErrInvalidInput):
		return ClassValidation
	case errors.Is(err, domain.ErrAuthentication):
		return ClassAuthentication
	case errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrTableNotFound),
		errors.Is(err, domain.ErrDecryption),
		errors.Is(err, domain.ErrPermanent):
		return ClassPermanent
	case errors.Is(err, domain.ErrStorage):
		return ClassStorage
	case errors.Is(err, domain.ErrNetwork):
		return ClassNetwork
	case errors.Is(err, domain.ErrTransient):
		return ClassTransient
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ClassPermanent // caller gave up; retrying would ignore that
	}
	return classifyByString(err)
}

func classifyByString(err error) Class {
	lower := strings.ToLower(err.Error())
	for _, p := range []string{"connection refused", "no such host", "connection reset", "broken pipe"} {
		if strings.Contains(lower, p) {
			return ClassNetwork
		}
	}
	for _, p := range []string{"timeout", "temporarily", "busy", "locked"} {
		if strings.Contains(lower, p) {
			return ClassTransient
		}
	}
	for _, p := range []string{"disk", "quota", "corrupt", "i/o", "no space"} {
		if strings.Contains(lower, p) {
			return ClassStorage
		}
	}
	return ClassUnknown
}

// Retryable reports whether errors of this class may succeed on retry.
// Only transient, network, and storage failures retry; validation and
// permanent failures surface immediately.
func Retryable(c Class) bool {
	return c == ClassTransient || c == ClassNetwork || c == ClassStorage
}
