package natsbus

import "fmt"

// Topic patterns for NATS pub/sub communication.

// Worker plane: solver processes (exec shims and containers) report back here.

func TopicWorkerProgress(workerID string) string {
	return fmt.Sprintf("worker.%s.progress", workerID)
}

func TopicWorkerResult(workerID string) string {
	return fmt.Sprintf("worker.%s.result", workerID)
}

func TopicWorkerControl(workerID string) string {
	return fmt.Sprintf("worker.%s.control", workerID)
}

// Event plane: the web hub, notifier and CLI monitors subscribe here.

func TopicEventsSwarmID(swarmID string) string {
	return fmt.Sprintf("events.swarm.%s", swarmID)
}

func TopicEventsSolverID(name string) string {
	return fmt.Sprintf("events.solver.%s", name)
}

func TopicEventsBreakerID(name string) string {
	return fmt.Sprintf("events.breaker.%s", name)
}

func TopicIPC(subject string) string {
	return fmt.Sprintf("host.ipc.%s", subject)
}

const (
	TopicEventsAll         = "events.>"
	TopicEventsSwarm       = "events.swarm.*"
	TopicEventsSolver      = "events.solver.*"
	TopicEventsBreaker     = "events.breaker.*"
	TopicEventsMaintenance = "events.maintenance"

	TopicEventsSecretCreated = "events.secret.created"
	TopicEventsSecretUpdated = "events.secret.updated"
	TopicEventsSecretDeleted = "events.secret.deleted"
)
