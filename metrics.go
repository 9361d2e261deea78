package main

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry *prometheus.Registry

	openSessions *prometheus.GaugeVec
	challenges   *prometheus.CounterVec
	licenses     *prometheus.CounterVec
	requests     *prometheus.CounterVec
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		openSessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "wvcdm",
			Name:      "open_sessions",
			Help:      "Number of open CDM sessions.",
		}, []string{"device"}),
		challenges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wvcdm",
			Name:      "license_challenges_total",
			Help:      "License challenges built, by result.",
		}, []string{"device", "result"}),
		licenses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wvcdm",
			Name:      "licenses_parsed_total",
			Help:      "License responses parsed, by result.",
		}, []string{"device", "result"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wvcdm",
			Name:      "http_requests_total",
			Help:      "HTTP requests served, by route and status.",
		}, []string{"route", "status"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		m.openSessions,
		m.challenges,
		m.licenses,
		m.requests,
	)
	return m
}

func (m *metrics) handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
