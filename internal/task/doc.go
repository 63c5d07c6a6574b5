// Package task manages background job queuing, processing, and lifecycle.
// It provides the task record state machine (pending -> running ->
// completed/dead with a bounded retry loop), the admission queue, and the
// dispatcher that executes registered handlers under a fair concurrency
// bound, serializes work per entity key, and reclaims records orphaned by
// crashed workers.
package task
