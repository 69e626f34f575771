package kv

import "fmt"

// Centralized key names for the persisted state layout, so no package
// string-builds a key name ad hoc.
const (
	TasksHash         = "tasks"
	HarnessWeightsKey = "harness_weights"
	BuildMapKey       = "build_map"
	CoverageMapKey    = "coverage_map"

	CancelledTasksSet = "cancelled_tasks"
	SucceededTasksSet = "succeeded_tasks"
	ErroredTasksSet   = "errored_tasks"
)

// CrashSetKey returns the per-task crash-fingerprint set key.
func CrashSetKey(taskID string) string {
	return fmt.Sprintf("crash_set:%s", taskID)
}

// LockKey returns the distributed-lock key for a named resource.
func LockKey(name string) string {
	return fmt.Sprintf("lock:%s", name)
}

// MergeLockName returns the lock-resource name for a corpus merge on
// (taskID, harnessName).
func MergeLockName(taskID, harnessName string) string {
	return fmt.Sprintf("merge:%s:%s", taskID, harnessName)
}

// QueueReadyKey, QueueItemsKey, and QueuePendingKey return the backing Redis
// key names for a named reliable queue (see internal/queue).
func QueueReadyKey(queue, group string) string {
	return fmt.Sprintf("queue:%s:group:%s:ready", queue, group)
}

func QueueItemsKey(queue string) string {
	return fmt.Sprintf("queue:%s:items", queue)
}

func QueueDeliveriesKey(queue string) string {
	return fmt.Sprintf("queue:%s:deliveries", queue)
}

func QueuePendingKey(queue, group string) string {
	return fmt.Sprintf("queue:%s:group:%s:pending", queue, group)
}

func QueueGroupsKey(queue string) string {
	return fmt.Sprintf("queue:%s:groups", queue)
}
