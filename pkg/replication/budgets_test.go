package replication

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRetryBudgetsZeroLimitIsUnlimited(t *testing.T) {
	b := &RetryBudgets{}
	for i := 0; i < 50; i++ {
		assert.True(t, b.Allow(ClassRateLimit))
		assert.True(t, b.Allow(ClassTimeout))
		assert.True(t, b.Allow(ClassConnection))
	}
}

func TestRetryBudgetsLimitCountsTheFirstTry(t *testing.T) {
	// A limit of 3 permits two retries: the next try must stay under
	// the limit, so the third request to retry is refused.
	b := &RetryBudgets{RateLimit: 3}
	assert.True(t, b.Allow(ClassRateLimit))
	assert.True(t, b.Allow(ClassRateLimit))
	assert.False(t, b.Allow(ClassRateLimit))
	assert.Equal(t, 2, b.Attempts(ClassRateLimit))
}

func TestRetryBudgetsRateAndErrorShareAttempts(t *testing.T) {
	b := &RetryBudgets{RateLimit: 5, Error: 2}

	assert.True(t, b.Allow(ClassRateLimit))
	assert.Equal(t, 1, b.Attempts(ClassError), "rate-limit tries count against the error class too")

	// One combined attempt already spent, so the error limit of 2 is
	// reached even though no error retry has run yet.
	assert.False(t, b.Allow(ClassError))
	assert.True(t, b.Allow(ClassRateLimit))
	assert.Equal(t, 2, b.Attempts(ClassRateLimit))
}

func TestRetryBudgetsTimeoutsCountSeparately(t *testing.T) {
	b := &RetryBudgets{RateLimit: 2, Timeout: 2, Connection: 2}

	assert.True(t, b.Allow(ClassRateLimit))
	assert.False(t, b.Allow(ClassRateLimit))

	// Exhausting the shared counter leaves the others untouched.
	assert.True(t, b.Allow(ClassTimeout))
	assert.True(t, b.Allow(ClassConnection))
	assert.False(t, b.Allow(ClassTimeout))
	assert.False(t, b.Allow(ClassConnection))

	assert.Equal(t, 1, b.Attempts(ClassTimeout))
	assert.Equal(t, 1, b.Attempts(ClassConnection))
}

func TestRetryBudgetsUnbudgetedClasses(t *testing.T) {
	b := &RetryBudgets{}
	assert.False(t, b.Allow(ClassRace), "races bypass the budgets entirely")
	assert.False(t, b.Allow(Class("bogus")))
	assert.Equal(t, 0, b.Attempts(ClassRace))
}
