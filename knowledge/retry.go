package knowledge

import (
	"context"
	"fmt"
	"log"
	"time"

	"ragdesk_back/config"
)

// RetryPolicy bounds the retries applied to network-bound pipeline calls.
type RetryPolicy struct {
	Attempts       int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// RetryPolicyFromConfig maps the pipeline section onto a RetryPolicy.
func RetryPolicyFromConfig(cfg config.PipelineConfig) RetryPolicy {
	return RetryPolicy{
		Attempts:       cfg.Attempts,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
	}.normalized()
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.Attempts <= 0 {
		p.Attempts = 3
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = time.Second
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = p.InitialBackoff
	}
	return p
}

// retry runs fn until it succeeds, the attempts run out, or permanent reports
// the error as not worth retrying. The backoff doubles up to MaxBackoff.
func (p RetryPolicy) retry(ctx context.Context, op string, permanent func(error) bool, fn func(context.Context) error) error {
	p = p.normalized()
	backoff := p.InitialBackoff

	var err error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if permanent != nil && permanent(err) {
			return err
		}
		if attempt == p.Attempts {
			break
		}
		log.Printf("knowledge: %s attempt %d/%d failed: %v", op, attempt, p.Attempts, err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
			if backoff > p.MaxBackoff {
				backoff = p.MaxBackoff
			}
		}
	}
	return fmt.Errorf("knowledge: %s failed after %d attempts: %w", op, p.Attempts, err)
}
