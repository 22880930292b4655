package accounts

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// outcomeSuccess labels successful operations; failures are labelled with their Kind,
// or "error" for infrastructure failures.
const (
	outcomeSuccess = "success"
	outcomeError   = "error"
)

// Metrics holds the account counters. A nil *Metrics records nothing.
type Metrics struct {
	Logins              *prometheus.CounterVec
	Refreshes           *prometheus.CounterVec
	SessionsInvalidated prometheus.Counter
	TokensIssued        *prometheus.CounterVec
	TokensRedeemed      *prometheus.CounterVec
}

// NewMetrics creates and registers the account counters on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Logins: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_logins_total",
				Help: "Total number of login attempts by outcome",
			},
			[]string{"outcome"},
		),
		Refreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_token_refreshes_total",
				Help: "Total number of token refresh attempts by outcome",
			},
			[]string{"outcome"},
		),
		SessionsInvalidated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "warden_sessions_invalidated_total",
				Help: "Total number of sessions moved from valid to invalid",
			},
		),
		TokensIssued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_single_use_tokens_issued_total",
				Help: "Total number of single-use tokens issued by purpose",
			},
			[]string{"purpose"},
		),
		TokensRedeemed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_single_use_tokens_redeemed_total",
				Help: "Total number of single-use token redemptions by purpose and outcome",
			},
			[]string{"purpose", "outcome"},
		),
	}

	reg.MustRegister(m.Logins, m.Refreshes, m.SessionsInvalidated, m.TokensIssued, m.TokensRedeemed)
	return m
}

// outcome maps err to a metric label.
func outcome(err error) string {
	if err == nil {
		return outcomeSuccess
	}
	var de *Error
	if errors.As(err, &de) {
		return string(de.Kind)
	}
	return outcomeError
}

func (m *Metrics) login(err error) {
	if m == nil {
		return
	}
	m.Logins.WithLabelValues(outcome(err)).Inc()
}

func (m *Metrics) refresh(err error) {
	if m == nil {
		return
	}
	m.Refreshes.WithLabelValues(outcome(err)).Inc()
}

func (m *Metrics) invalidated(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SessionsInvalidated.Add(float64(n))
}

func (m *Metrics) issued(purpose TokenPurpose) {
	if m == nil {
		return
	}
	m.TokensIssued.WithLabelValues(string(purpose)).Inc()
}

func (m *Metrics) redeemed(purpose TokenPurpose, err error) {
	if m == nil {
		return
	}
	m.TokensRedeemed.WithLabelValues(string(purpose), outcome(err)).Inc()
}
