// Package metrics provides observability hooks for the build service.
//
// Components receive a Recorder through dependency injection and default to
// NoopRecorder, so no nil checks are needed at call sites:
//
//	sched := queue.NewScheduler(runner, 2, 50)
//	sched.SetRecorder(metrics.NewPrometheusRecorder(reg))
//
// PrometheusRecorder registers its collectors on the supplied registry, and
// HTTPHandler exposes that registry in the Prometheus exposition format.
package metrics
