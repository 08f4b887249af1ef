package workflow

import "fmt"

// Step 标识流水线中的一个阶段，失败原因按阶段打标签。
type Step string

const (
	StepFetch      Step = "fetch"
	StepAnalysis   Step = "analysis"
	StepPrompt     Step = "prompt"
	StepGeneration Step = "generation"
	StepStorage    Step = "storage"
)

// StepError 把底层错误与所属阶段绑定，持久化后供运维定位。
type StepError struct {
	Step Step
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

func stepErr(step Step, err error) error {
	if err == nil {
		return nil
	}
	return &StepError{Step: step, Err: err}
}
