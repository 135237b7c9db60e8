package blackboard

// Key schemes used by the watcher and interpreters: one heartbeat slot and
// one result slot per executor.

func HeartbeatKey(executorID string) string {
	return "heartbeat:" + executorID
}

func ResultKey(executorID string) string {
	return "result:" + executorID
}
