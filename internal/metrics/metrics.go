package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ats_tailor"

var (
	modelCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "model_calls_total",
		Help:      "模型调用次数，按接口、阶段和结果分类",
	}, []string{"endpoint", "stage", "outcome"})

	modelLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "model_call_duration_seconds",
		Help:      "模型调用耗时",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 60, 90, 120},
	}, []string{"endpoint"})

	stageLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "pipeline_stage_duration_seconds",
		Help:      "流水线各阶段耗时",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 60, 90},
	}, []string{"stage", "outcome"})

	integrityWarnings = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "integrity_warnings_total",
		Help:      "完整性告警次数",
	}, []string{"stage", "code", "severity"})

	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_lookups_total",
		Help:      "两级缓存命中情况",
	}, []string{"layer", "result"})

	generations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "generations_total",
		Help:      "简历生成请求结果，按 HTTP 状态码分类",
	}, []string{"status"})
)

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	var coded interface{ MetricOutcome() string }
	if errors.As(err, &coded) {
		return coded.MetricOutcome()
	}
	return "error"
}

// ObserveModelCall 记录一次模型 HTTP 调用
func ObserveModelCall(endpoint, stage string, err error, d time.Duration) {
	modelCalls.WithLabelValues(endpoint, stage, outcome(err)).Inc()
	modelLatency.WithLabelValues(endpoint).Observe(d.Seconds())
}

// ObserveStage 记录一个流水线阶段
func ObserveStage(stage string, err error, d time.Duration) {
	stageLatency.WithLabelValues(stage, outcome(err)).Observe(d.Seconds())
}

// IncIntegrityWarning 记录一条完整性告警
func IncIntegrityWarning(stage, code, severity string) {
	integrityWarnings.WithLabelValues(stage, code, severity).Inc()
}

// ObserveCacheLookup 记录缓存查询，layer 为 content 或 render
func ObserveCacheLookup(layer string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookups.WithLabelValues(layer, result).Inc()
}

// IncGeneration 记录一次生成请求的最终状态码
func IncGeneration(status string) {
	generations.WithLabelValues(status).Inc()
}

// Handler 返回 /metrics 处理器
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve 在独立端口启动指标服务，返回的 server 由调用方关闭
func Serve(addr, path string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(path, Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		_ = srv.ListenAndServe()
	}()
	return srv
}
