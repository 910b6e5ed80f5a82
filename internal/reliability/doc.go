// Package reliability provides the retry policies used by the connection supervisor.
//
// Two policies are available:
//   - FixedDelay: the same delay before every attempt, bounded attempt count
//   - ExponentialBackoff: growing delay capped at a maximum interval
//
// Policies count attempts only; every failure is retried until the limit.
//
// Example usage:
//
//	policy := NewFixedDelay(3*time.Second, 5)
//	for attempt := 0; ; attempt++ {
//	    ok, delay := policy.ShouldRetry(attempt, lastErr)
//	    if !ok {
//	        break
//	    }
//	    if err := Sleep(ctx, delay); err != nil {
//	        return err
//	    }
//	    lastErr = dial()
//	}
package reliability
