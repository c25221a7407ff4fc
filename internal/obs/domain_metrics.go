package obs

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// PaymentWebhookTotal counts inbound gateway notification outcomes.
	PaymentWebhookTotal *prometheus.CounterVec
	// PaymentOperationTotal counts provider operation outcomes by operation.
	PaymentOperationTotal *prometheus.CounterVec
	// CaptureFollowUpTotal counts asynchronous capture follow-up outcomes.
	CaptureFollowUpTotal *prometheus.CounterVec
)

// MustRegisterDomainMetrics initialises and registers the payment-domain
// Prometheus collectors. Safe to call more than once.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		PaymentWebhookTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_webhook_total",
			Help:      "Count of processed payment gateway notifications by outcome.",
		}, []string{"provider", "result"})
		PaymentOperationTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_operation_total",
			Help:      "Count of provider payment operations by outcome.",
		}, []string{"provider", "operation", "result"})
		CaptureFollowUpTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_follow_up_total",
			Help:      "Count of asynchronous capture follow-up task outcomes.",
		}, []string{"result"})

		registerDomainCollector(reg, PaymentWebhookTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				PaymentWebhookTotal = v
			}
		})
		registerDomainCollector(reg, PaymentOperationTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				PaymentOperationTotal = v
			}
		})
		registerDomainCollector(reg, CaptureFollowUpTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				CaptureFollowUpTotal = v
			}
		})
	})
}

func registerDomainCollector(reg prometheus.Registerer, collector prometheus.Collector, reuse func(prometheus.Collector)) {
	if err := reg.Register(collector); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if reuse != nil {
				reuse(are.ExistingCollector)
			}
			return
		}
		panic(fmt.Errorf("register domain metric: %w", err))
	}
}
