package breaker

import "time"

// Stats is a point-in-time view of a breaker.
type Stats struct {
	Name             string        `json:"name"`
	State            State         `json:"state"`
	FailureCount     int           `json:"failure_count"`
	FailureThreshold int           `json:"failure_threshold"`
	RecoveryTimeout  time.Duration `json:"recovery_timeout"`
	TotalCalls       int64         `json:"total_calls"`
	SuccessfulCalls  int64         `json:"successful_calls"`
	FailedCalls      int64         `json:"failed_calls"`
	RejectedCalls    int64         `json:"rejected_calls"`
	SuccessRate      float64       `json:"success_rate"`
	LastFailure      *time.Time    `json:"last_failure,omitempty"`
	NextAttempt      *time.Time    `json:"next_attempt,omitempty"`
}

// Stats snapshots counters and timing.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Stats{
		Name:             b.cfg.Name,
		State:            b.state,
		FailureCount:     b.failures,
		FailureThreshold: b.cfg.FailureThreshold,
		RecoveryTimeout:  b.cfg.RecoveryTimeout,
		TotalCalls:       b.total,
		SuccessfulCalls:  b.succeeded,
		FailedCalls:      b.failed,
		RejectedCalls:    b.rejected,
	}
	if b.total > 0 {
		s.SuccessRate = float64(b.succeeded) / float64(b.total)
	}
	if !b.lastFailure.IsZero() {
		last := b.lastFailure
		s.LastFailure = &last
	}
	if b.state != StateClosed && !b.nextAttempt.IsZero() {
		next := b.nextAttempt
		s.NextAttempt = &next
	}
	return s
}
