package offramp

// Status is the lifecycle state of an off-ramp request.
type Status string

const (
	StatusPending         Status = "pending"
	StatusTokenReceived   Status = "token_received"
	StatusStaleNoRoute    Status = "stale_no_route"
	StatusSwapped         Status = "swapped"
	StatusSwept           Status = "swept"
	StatusPayoutInitiated Status = "payout_initiated"
	StatusPaid            Status = "paid"
	StatusFailed          Status = "failed"
)

// ActiveStatuses are the non-terminal states the batch processor advances.
var ActiveStatuses = []Status{
	StatusPending,
	StatusTokenReceived,
	StatusStaleNoRoute,
	StatusSwapped,
	StatusSwept,
	StatusPayoutInitiated,
}

// forward lists, for every state, the states it may move to outside an administrative reset.
// Same-state transitions are always permitted for non-terminal states; they carry cursor,
// attempt and write-ahead bookkeeping.
var forward = map[Status][]Status{
	StatusPending:         {StatusTokenReceived, StatusFailed},
	StatusTokenReceived:   {StatusStaleNoRoute, StatusSwapped, StatusFailed},
	StatusStaleNoRoute:    {StatusSwapped, StatusFailed},
	StatusSwapped:         {StatusSwept, StatusFailed},
	StatusSwept:           {StatusPayoutInitiated, StatusFailed},
	StatusPayoutInitiated: {StatusPaid, StatusFailed},
}

// stage orders states along the settlement pipeline. stale_no_route shares the stage of
// token_received because it is a holding state for the same step.
var stage = map[Status]int{
	StatusPending:         0,
	StatusTokenReceived:   1,
	StatusStaleNoRoute:    1,
	StatusSwapped:         2,
	StatusSwept:           3,
	StatusPayoutInitiated: 4,
	StatusPaid:            5,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	if s == StatusFailed {
		return true
	}
	_, ok := stage[s]
	return ok
}

// Terminal reports whether no automatic transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusPaid || s == StatusFailed
}

// CanTransition reports whether the settlement path may move a request from one state to another.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	if from == to {
		return true
	}
	for _, next := range forward[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CanReset reports whether an administrative reset may move a request from one state to another.
// A reset either moves the request back along the pipeline or forces it into failed.
func CanReset(from, to Status) bool {
	if !from.Valid() || !to.Valid() || from == to {
		return false
	}
	if to == StatusFailed {
		return true
	}
	if to == StatusPaid || to == StatusStaleNoRoute {
		return false
	}
	if from == StatusFailed {
		return true
	}
	return stage[to] < stage[from]
}
