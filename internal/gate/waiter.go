package gate

import (
	"sync"

	"github.com/benclarkson/foreman/internal/workflow"
)

// waiter is a single-shot, externally-completable handle for one pending
// question. Exactly one of complete or fail wins; later calls are no-ops.
type waiter struct {
	questionID string
	runID      string

	once sync.Once
	done chan struct{}

	answers []workflow.QuestionAnswer
	err     error
}

func newWaiter(questionID, runID string) *waiter {
	return &waiter{
		questionID: questionID,
		runID:      runID,
		done:       make(chan struct{}),
	}
}

// complete resolves the waiter with submitted answers. Returns true if this
// call won the race to resolve it.
func (w *waiter) complete(answers []workflow.QuestionAnswer) bool {
	won := false
	w.once.Do(func() {
		w.answers = answers
		close(w.done)
		won = true
	})
	return won
}

// fail resolves the waiter with an error (timeout or cancellation). Returns
// true if this call won.
func (w *waiter) fail(err error) bool {
	won := false
	w.once.Do(func() {
		w.err = err
		close(w.done)
		won = true
	})
	return won
}
