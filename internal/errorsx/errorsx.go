package errorsx

import (
	"errors"
	"sync"

	pkgerrors "github.com/pkg/errors"
)

// String useful wrapper for string constants as errors.
type String string

func (t String) Error() string {
	return string(t)
}

func New(msg string) error {
	return pkgerrors.New(msg)
}

func Errorf(format string, args ...any) error {
	return pkgerrors.Errorf(format, args...)
}

func Wrap(err error, msg string) error {
	return pkgerrors.Wrap(err, msg)
}

func Wrapf(err error, format string, args ...any) error {
	return pkgerrors.Wrapf(err, format, args...)
}

func WithStack(err error) error {
	return pkgerrors.WithStack(err)
}

// Compact returns the first error in the set, if any.
func Compact(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}

	return nil
}

// returns nil if the error matches any of the targets
func Ignore(err error, targets ...error) error {
	for _, target := range targets {
		if errors.Is(err, target) {
			return nil
		}
	}

	return err
}

// returns true if the error matches any of the targets.
func Is(err error, targets ...error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}

	return false
}

// Collector accumulates errors from concurrent workers. The zero value is ready to use.
type Collector struct {
	mu   sync.Mutex
	errs []error
}

func (t *Collector) Add(err error) {
	if err == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.errs = append(t.errs, err)
}

func (t *Collector) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.errs)
}

// Err joins everything collected so far, nil if nothing was collected.
func (t *Collector) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return errors.Join(t.errs...)
}
