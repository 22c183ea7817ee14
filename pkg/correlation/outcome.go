package correlation

import "github.com/rotisserie/eris"

// OutcomeKind is the terminal state of a call.
type OutcomeKind uint8

const (
	OutcomeUndefined OutcomeKind = iota // Used as the zero value
	OutcomeSuccess
	OutcomeFailure
	OutcomeTimeout
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeUndefined:
		return "undefined"
	default:
		return "undefined"
	}
}

// Outcome is the result of a call. Exactly one of Success, Failure or Timeout.
type Outcome[T any] struct {
	Kind  OutcomeKind
	Value T
	// Err is set for failures and timeouts.
	Err error
}

func Success[T any](v T) Outcome[T] {
	return Outcome[T]{Kind: OutcomeSuccess, Value: v}
}

func Failure[T any](err error) Outcome[T] {
	return Outcome[T]{Kind: OutcomeFailure, Err: err}
}

func Timeout[T any]() Outcome[T] {
	return Outcome[T]{Kind: OutcomeTimeout, Err: ErrTimeout}
}

func (o Outcome[T]) IsSuccess() bool { return o.Kind == OutcomeSuccess }
func (o Outcome[T]) IsFailure() bool { return o.Kind == OutcomeFailure }
func (o Outcome[T]) IsTimeout() bool { return o.Kind == OutcomeTimeout }

// Unwrap returns the value for successes and the error otherwise.
func (o Outcome[T]) Unwrap() (T, error) {
	switch o.Kind {
	case OutcomeSuccess:
		return o.Value, nil
	case OutcomeFailure, OutcomeTimeout:
		var zero T
		return zero, o.Err
	case OutcomeUndefined:
		var zero T
		return zero, eris.New("outcome is undefined")
	default:
		var zero T
		return zero, eris.New("outcome is undefined")
	}
}

// Then converts the value of a successful outcome. A conversion error turns it into a Failure;
// failures and timeouts pass through unchanged.
func Then[T, U any](o Outcome[T], fn func(T) (U, error)) Outcome[U] {
	if o.Kind != OutcomeSuccess {
		return Outcome[U]{Kind: o.Kind, Err: o.Err}
	}
	v, err := fn(o.Value)
	if err != nil {
		return Failure[U](err)
	}
	return Success(v)
}
