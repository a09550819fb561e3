package events

import (
	"context"
	"errors"
	"time"

	"github.com/samber/lo"
)

// ConsultationCompleted is published once per finished call.
type ConsultationCompleted struct {
	SessionID       string     `json:"sessionId"`
	CreatedBy       string     `json:"createdBy"`
	DoctorID        int        `json:"doctorId"`
	Specialist      string     `json:"specialist"`
	CallStartedAt   *time.Time `json:"callStartedAt,omitempty"`
	CallEndedAt     time.Time  `json:"callEndedAt"`
	DurationSeconds int        `json:"consultationDuration"`
	Messages        int        `json:"messages"`
	HasReport       bool       `json:"hasReport"`
	Severity        string     `json:"severity,omitempty"`
}

// Publisher delivers consultation events to a broker.
type Publisher interface {
	Publish(ctx context.Context, ev ConsultationCompleted) error
}

// Fanout publishes to every publisher and joins the failures.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, ev ConsultationCompleted) error {
	errs := lo.FilterMap(f, func(p Publisher, _ int) (error, bool) {
		err := p.Publish(ctx, ev)
		return err, err != nil
	})
	return errors.Join(errs...)
}
