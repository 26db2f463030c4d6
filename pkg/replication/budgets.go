package replication

// Class names a failure mode for retry budgeting, logging, and metrics.
type Class string

const (
	// ClassRateLimit covers the archive's slow-down responses and
	// pre-flight load probe refusals.
	ClassRateLimit Class = "rate_limit"

	// ClassTimeout covers soft-time-limit overruns.
	ClassTimeout Class = "timeout"

	// ClassError covers unclassified failures.
	ClassError Class = "error"

	// ClassConnection covers transport failures during confirmation
	// polls. Upload and delete tasks retry connection failures without
	// consuming any budget at all.
	ClassConnection Class = "connection"

	// ClassRace covers item-creation races between concurrent first
	// uploads. Races carry no budget; the class exists for logs and
	// metrics.
	ClassRace Class = "race"
)

// RetryBudgets caps retries per failure class for one logical task,
// surviving across that task's re-enqueues.
//
// The rate-limit and error classes share one attempt counter, each
// checked against its own limit: a task bouncing between both failure
// modes exhausts whichever limit its combined attempts reach first.
// Timeouts and connection failures count separately.
type RetryBudgets struct {
	RateLimit  int
	Timeout    int
	Error      int
	Connection int

	attempts    int
	timeouts    int
	connections int
}

// Allow reports whether another try of the given class may run, and
// consumes one attempt when it may. A zero limit means unlimited.
func (b *RetryBudgets) Allow(class Class) bool {
	switch class {
	case ClassRateLimit:
		if !withinBudget(b.RateLimit, b.attempts) {
			return false
		}
		b.attempts++
	case ClassError:
		if !withinBudget(b.Error, b.attempts) {
			return false
		}
		b.attempts++
	case ClassTimeout:
		if !withinBudget(b.Timeout, b.timeouts) {
			return false
		}
		b.timeouts++
	case ClassConnection:
		if !withinBudget(b.Connection, b.connections) {
			return false
		}
		b.connections++
	default:
		return false
	}
	return true
}

// Attempts returns the tries consumed from the given class's counter.
func (b *RetryBudgets) Attempts(class Class) int {
	switch class {
	case ClassRateLimit, ClassError:
		return b.attempts
	case ClassTimeout:
		return b.timeouts
	case ClassConnection:
		return b.connections
	default:
		return 0
	}
}

// withinBudget is the shared retry predicate: unlimited when the limit is
// zero, otherwise the next try must still be under the limit.
func withinBudget(limit, attempts int) bool {
	return limit == 0 || attempts+1 < limit
}
