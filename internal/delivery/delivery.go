package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

const DefaultTimeout = 10 * time.Second

var ErrNotConfigured = errors.New("delivery channel not configured")

type Message struct {
	Email   string
	Phone   string
	Code    string
	Purpose string
	TTL     time.Duration
}

// Sender delivers a code over one channel.
type Sender interface {
	Channel() string
	Send(ctx context.Context, msg Message) error
}

// FailureRecorder counts failed deliveries per channel.
type FailureRecorder interface {
	IncDeliveryFailure(channel string)
}

// Dispatcher fans a message out to every sender concurrently under one deadline.
type Dispatcher struct {
	senders []Sender
	timeout time.Duration
	metrics FailureRecorder
}

func NewDispatcher(timeout time.Duration, metrics FailureRecorder, senders ...Sender) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Dispatcher{senders: senders, timeout: timeout, metrics: metrics}
}

// Deliver succeeds when at least one channel accepted the message. The joined
// error lists every channel that failed.
func (d *Dispatcher) Deliver(ctx context.Context, msg Message) error {
	if len(d.senders) == 0 {
		return ErrNotConfigured
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	results := make([]error, len(d.senders))
	var g errgroup.Group
	for i, sender := range d.senders {
		g.Go(func() error {
			results[i] = sender.Send(ctx, msg)
			return nil
		})
	}
	_ = g.Wait()

	var errs []error
	delivered := 0
	for i, err := range results {
		channel := d.senders[i].Channel()
		if err != nil {
			if d.metrics != nil {
				d.metrics.IncDeliveryFailure(channel)
			}
			errs = append(errs, fmt.Errorf("%s: %w", channel, err))
			continue
		}
		delivered++
	}

	if delivered == 0 {
		return errors.Join(errs...)
	}
	if len(errs) > 0 {
		return &PartialError{Err: errors.Join(errs...)}
	}
	return nil
}

// PartialError means some channels failed while another delivered.
type PartialError struct {
	Err error
}

func (e *PartialError) Error() string {
	return "partial delivery: " + e.Err.Error()
}

func (e *PartialError) Unwrap() error {
	return e.Err
}

func subjectFor(purpose string) string {
	if purpose == "reset" {
		return "Your password reset code"
	}
	return "Your verification code"
}

func bodyFor(msg Message) string {
	minutes := int(msg.TTL.Minutes())
	if minutes <= 0 {
		return fmt.Sprintf("Your code is %s.", msg.Code)
	}
	return fmt.Sprintf("Your code is %s. It expires in %d minutes.", msg.Code, minutes)
}
