// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package tinyua

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "tinyua"

// Metrics are prometheus collectors updated by session actor
type Metrics struct {
	requestsSent      *prometheus.CounterVec
	responsesSent     *prometheus.CounterVec
	responsesReceived *prometheus.CounterVec
	retransmissions   *prometheus.CounterVec
	malformed         prometheus.Counter
	registered        prometheus.Gauge
	calls             *prometheus.CounterVec
}

// NewMetrics registers collectors on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		requestsSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_sent_total",
			Help:      "SIP requests sent by method, retransmissions excluded.",
		}, []string{"method"}),
		responsesSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "responses_sent_total",
			Help:      "SIP responses sent by status code.",
		}, []string{"code"}),
		responsesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "responses_received_total",
			Help:      "SIP responses received by method and status class.",
		}, []string{"method", "class"}),
		retransmissions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "retransmissions_total",
			Help:      "Retransmitted SIP messages by method.",
		}, []string{"method"}),
		malformed: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "malformed_messages_total",
			Help:      "Dropped inbound datagrams.",
		}),
		registered: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "registered",
			Help:      "1 while profile is registered.",
		}),
		calls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "calls_total",
			Help:      "Finished call attempts by direction and outcome.",
		}, []string{"direction", "outcome"}),
	}
}

// nil receiver is allowed on all methods

func (m *Metrics) requestSent(method string) {
	if m == nil {
		return
	}
	m.requestsSent.WithLabelValues(method).Inc()
}

func (m *Metrics) responseSent(code int) {
	if m == nil {
		return
	}
	m.responsesSent.WithLabelValues(strconv.Itoa(code)).Inc()
}

func (m *Metrics) responseReceived(method string, code int) {
	if m == nil {
		return
	}
	m.responsesReceived.WithLabelValues(method, strconv.Itoa(code/100)+"xx").Inc()
}

func (m *Metrics) retransmitted(method string) {
	if m == nil {
		return
	}
	m.retransmissions.WithLabelValues(method).Inc()
}

func (m *Metrics) droppedMalformed() {
	if m == nil {
		return
	}
	m.malformed.Inc()
}

func (m *Metrics) setRegistered(v bool) {
	if m == nil {
		return
	}
	if v {
		m.registered.Set(1)
		return
	}
	m.registered.Set(0)
}

func (m *Metrics) callFinished(direction string, outcome string) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(direction, outcome).Inc()
}
