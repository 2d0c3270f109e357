// Package log provides structured logging for Spinforge built on zerolog.
//
// A single root logger is configured once at startup via Init. Long-lived
// components derive child loggers with WithComponent, each worker instance
// with WithWorkerID, and every claimed task gets a per-execution logger
// via Task carrying the order/task/attempt correlation chain. Lines from
// parallel workers against the same database are distinguishable by
// worker_id alone.
package log
