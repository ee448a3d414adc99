package arbiter

// State is the stage an arbitration cycle has reached.
type State string

const (
	StateValidating  State = "VALIDATING"
	StateTierCheck   State = "TIER_CHECK"
	StateRateCheck   State = "RATE_CHECK"
	StateCacheLookup State = "CACHE_LOOKUP"
	StateChangeCheck State = "CHANGE_CHECK"
	StateExecuting   State = "EXECUTING"
	StateCacheStore  State = "CACHE_STORE"
	StateDone        State = "DONE"
	StateSkipped     State = "SKIPPED"
	StateError       State = "ERROR"
)

// Outcome labels a finished cycle in metrics and logs. Failures use the
// error kind instead.
type Outcome string

const (
	OutcomeAnswered  Outcome = "answered"
	OutcomeCoalesced Outcome = "coalesced"
	OutcomeCached    Outcome = "cached"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeAbandoned Outcome = "abandoned"
)
