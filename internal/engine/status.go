package engine

// Status is the lifecycle state of one trading session.
type Status string

const (
	StatusIdle     Status = "IDLE"
	StatusStarting Status = "STARTING"
	StatusRunning  Status = "RUNNING"
	StatusStopping Status = "STOPPING"
	StatusStopped  Status = "STOPPED"
	StatusError    Status = "ERROR"
)

// next lists the allowed forward transitions. ERROR is reachable from
// every state; STOPPED and ERROR are terminal until a re-register
// replaces the engine.
var next = map[Status][]Status{
	StatusIdle:     {StatusStarting},
	StatusStarting: {StatusRunning, StatusStopping},
	StatusRunning:  {StatusStopping},
	StatusStopping: {StatusStopped},
}

func canTransition(from, to Status) bool {
	if to == StatusError {
		return from != StatusError
	}
	for _, s := range next[from] {
		if s == to {
			return true
		}
	}
	return false
}
