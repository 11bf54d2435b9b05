// Package billing reports a meter event to Stripe for every completed call,
// so outbound minutes can be billed as usage-based line items. Like the
// mirror and archive sinks, this is best-effort: one bounded attempt per
// call, failure only logged.
package billing

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/billing/meterevent"

	"github.com/clawd-ai/supercall/internal/callmgr"
)

// Config configures the Stripe usage-metering sink.
type Config struct {
	Logger     *slog.Logger
	APIKey     string
	EventName  string // Stripe billing meter event_name, e.g. "supercall_call_seconds"
	Timeout    time.Duration
}

// Billing is the Sink passed to callmgr.Manager.AddReportSink.
type Billing struct {
	logger    *slog.Logger
	eventName string
	timeout   time.Duration
}

func New(cfg Config) *Billing {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	stripe.Key = cfg.APIKey
	return &Billing{logger: logger, eventName: cfg.EventName, timeout: timeout}
}

// Write reports one meter event per completed call, valued in billed
// seconds (answered-to-ended). Calls that never connected report zero
// usage and are skipped entirely, since there is nothing to bill.
func (b *Billing) Write(rec *callmgr.CallRecord) {
	seconds, billable := billedSeconds(rec.AnsweredAt, rec.EndedAt)
	if !billable {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	params := &stripe.BillingMeterEventParams{
		EventName: stripe.String(b.eventName),
		Payload: map[string]string{
			"value":              strconv.FormatInt(seconds, 10),
			"stripe_customer_id": rec.Metadata["stripeCustomerId"],
			"call_id":            rec.CallID,
		},
		Identifier: stripe.String(rec.CallID),
	}
	params.Context = ctx

	_, err := meterevent.New(params)
	if err != nil {
		b.logger.Warn("billing: meter event failed", "callId", rec.CallID, "error", err)
	}
}

// billedSeconds reports the answered-to-ended duration in whole seconds,
// rounded up, and false if the call never connected or never lasted beyond
// answering.
func billedSeconds(answeredAt, endedAt int64) (int64, bool) {
	if answeredAt == 0 || endedAt == 0 {
		return 0, false
	}
	millis := endedAt - answeredAt
	if millis <= 0 {
		return 0, false
	}
	seconds := (millis + 999) / 1000
	return seconds, true
}
