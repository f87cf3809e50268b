package coordinator

// Keys builds coordination store keys under a common prefix
type Keys struct {
	Prefix string
}

func (k Keys) key(parts ...string) string {
	s := k.Prefix
	for _, p := range parts {
		s += ":" + p
	}
	return s
}

// TaskConfig holds the JSON TaskConfig
func (k Keys) TaskConfig(taskID string) string { return k.key("task", "config", taskID) }

// TaskStatus holds the JSON TaskStatus
func (k Keys) TaskStatus(taskID string) string { return k.key("task", "status", taskID) }

// Assignment holds the owning node id
func (k Keys) Assignment(taskID string) string { return k.key("task", "assignment", taskID) }

// Lock is the task lease
func (k Keys) Lock(taskID string) string { return k.key("lock", "task", taskID) }

// Heartbeat is a node liveness record
func (k Keys) Heartbeat(nodeID string) string { return k.key("node", "heartbeat", nodeID) }

// Statistics holds the JSON task statistics
func (k Keys) Statistics(taskID string) string { return k.key("statistics", taskID) }

// Tasks is the set of every known task id
func (k Keys) Tasks() string { return k.key("cluster", "tasks") }

// Nodes is the set of every node that has published a heartbeat
func (k Keys) Nodes() string { return k.key("cluster", "nodes") }
