package rules

import uuid "github.com/satori/go.uuid"

// Checker gates further matching for a rule based on its seen-request
// history. A rejected checker causes the pipeline to skip the rule and
// keep considering later ones.
type Checker interface {
	Accept(seen []uuid.UUID) bool
}

type checkerFunc func(seen []uuid.UUID) bool

func (f checkerFunc) Accept(seen []uuid.UUID) bool { return f(seen) }

// Always accepts unconditionally.
func Always() Checker {
	return checkerFunc(func([]uuid.UUID) bool { return true })
}

// Once accepts only while the rule's seen list is empty.
func Once() Checker {
	return checkerFunc(func(seen []uuid.UUID) bool { return len(seen) == 0 })
}

// Times accepts only while the seen list has fewer than n entries.
func Times(n int) Checker {
	return checkerFunc(func(seen []uuid.UUID) bool { return len(seen) < n })
}

// Thrice accepts up to 3 times, equivalent to Times(3).
func Thrice() Checker {
	return Times(3)
}

// CustomChecker wraps an arbitrary predicate over the seen list.
func CustomChecker(predicate func(seen []uuid.UUID) bool) Checker {
	return checkerFunc(predicate)
}
