package config

const (
	// TopicTaskWake carries a hint that a task was enqueued. Consumers wake
	// their worker pool instead of waiting for the next poll.
	TopicTaskWake = "localrag.task.wake"

	// ChannelWorkers is the channel every worker process subscribes on.
	ChannelWorkers = "workers"
)
