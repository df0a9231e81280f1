package train

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics are the per-rank training gauges. Each Metrics owns its registry,
// so several trainers can live in one process.
type Metrics struct {
	Registry *prometheus.Registry

	steps        *prometheus.CounterVec
	trainLoss    *prometheus.GaugeVec
	valLoss      *prometheus.GaugeVec
	hellaSwagAcc *prometheus.GaugeVec
	learningRate *prometheus.GaugeVec
	gradNorm     *prometheus.GaugeVec
	stepDuration *prometheus.HistogramVec
	tokensPerSec *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		steps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gpt2_train_steps_total",
			Help: "Optimizer steps completed",
		}, []string{"rank"}),
		trainLoss: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gpt2_train_loss",
			Help: "Training loss of the last step, averaged across ranks",
		}, []string{"rank"}),
		valLoss: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gpt2_val_loss",
			Help: "Last validation loss, averaged across ranks",
		}, []string{"rank"}),
		hellaSwagAcc: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gpt2_hellaswag_accuracy",
			Help: "Last HellaSwag accuracy",
		}, []string{"rank"}),
		learningRate: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gpt2_learning_rate",
			Help: "Learning rate applied at the last step",
		}, []string{"rank"}),
		gradNorm: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gpt2_grad_norm",
			Help: "Global gradient norm before clipping",
		}, []string{"rank"}),
		stepDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gpt2_step_duration_seconds",
			Help:    "Wall time of one optimizer step",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"rank"}),
		tokensPerSec: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gpt2_tokens_per_second",
			Help: "Training throughput of the last step across all ranks",
		}, []string{"rank"}),
	}
}

func (m *Metrics) observeStep(rank int, s StepStats) {
	r := strconv.Itoa(rank)
	m.steps.WithLabelValues(r).Inc()
	m.trainLoss.WithLabelValues(r).Set(s.Loss)
	m.learningRate.WithLabelValues(r).Set(s.LR)
	m.gradNorm.WithLabelValues(r).Set(s.Norm)
	m.stepDuration.WithLabelValues(r).Observe(s.Duration.Seconds())
	m.tokensPerSec.WithLabelValues(r).Set(s.TokensPerSec)
}

func (m *Metrics) observeVal(rank int, loss float64) {
	m.valLoss.WithLabelValues(strconv.Itoa(rank)).Set(loss)
}

func (m *Metrics) observeHellaSwag(rank int, acc float64) {
	m.hellaSwagAcc.WithLabelValues(strconv.Itoa(rank)).Set(acc)
}

// Serve exposes /metrics on addr until the returned server is closed.
func (m *Metrics) Serve(addr string) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: ln.Addr().String(), Handler: mux}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Printf("metrics server: %v\n", err)
		}
	}()
	return srv, nil
}
