package pipeline

import "fmt"

// NoTransformationsFoundError aborts a run when neither the model nor the fallbacks produced a
// single recipe.
type NoTransformationsFoundError struct {
	Raw string
}

func (e *NoTransformationsFoundError) Error() string {
	return fmt.Sprintf("AI and local logic failed to find recipes. AI raw: %s", e.Raw)
}

// BuildVerificationError reports a rebuild that failed after a recipe was committed.
type BuildVerificationError struct {
	Recipe string
	Err    error
}

func (e *BuildVerificationError) Error() string {
	return fmt.Sprintf("%s broke the build: %v", e.Recipe, e.Err)
}

func (e *BuildVerificationError) Unwrap() error { return e.Err }

// PushError reports a failed final push. Local commits are left in place.
type PushError struct {
	Branch string
	Err    error
}

func (e *PushError) Error() string {
	return fmt.Sprintf("push %s: %v", e.Branch, e.Err)
}

func (e *PushError) Unwrap() error { return e.Err }

// StepError names the pipeline step a fatal error came from.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }
