package execution

import "fmt"

// ExecError 表示一次执行失败，Message 为可直接展示给用户的失败原因。
type ExecError struct {
	Message string
	Err     error
}

func (e *ExecError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("execution: %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("execution: %s", e.Message)
}

func (e *ExecError) Unwrap() error {
	return e.Err
}

func newExecError(message string, err error) *ExecError {
	return &ExecError{Message: message, Err: err}
}
