// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 工作流指标收集器
type Collector struct {
	// 节点指标
	nodeExecutionsTotal   *prometheus.CounterVec
	nodeExecutionDuration *prometheus.HistogramVec

	// 运行指标
	runsTotal   *prometheus.CounterVec
	runDuration *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// 节点指标
	c.nodeExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_executions_total",
			Help:      "Total number of workflow node executions",
		},
		[]string{"workflow_id", "node_type", "status"},
	)

	c.nodeExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_execution_duration_seconds",
			Help:      "Workflow node execution duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"workflow_id", "node_type"},
	)

	// 运行指标
	c.runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Total number of workflow runs",
		},
		[]string{"workflow_id", "status"},
	)

	c.runDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Workflow run duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120},
		},
		[]string{"workflow_id"},
	)

	return c
}

// =============================================================================
// 📈 记录方法
// =============================================================================

// NodeExecuted 记录一次节点执行
func (c *Collector) NodeExecuted(workflowID, nodeType, status string, elapsed time.Duration) {
	c.nodeExecutionsTotal.WithLabelValues(workflowID, nodeType, status).Inc()
	c.nodeExecutionDuration.WithLabelValues(workflowID, nodeType).Observe(elapsed.Seconds())
}

// RunFinished 记录一次运行结束
func (c *Collector) RunFinished(workflowID, status string, elapsed time.Duration) {
	c.runsTotal.WithLabelValues(workflowID, status).Inc()
	c.runDuration.WithLabelValues(workflowID).Observe(elapsed.Seconds())

	c.logger.Debug("workflow run recorded",
		zap.String("workflow_id", workflowID),
		zap.String("status", status),
		zap.Duration("elapsed", elapsed),
	)
}
