package cronjob

const contextKeyPrefix = "cron:"

// DeliveryTarget tells the session layer where a job's output goes.
type DeliveryTarget struct {
	SessionKey string `json:"sessionKey,omitempty"`
	AgentID    string `json:"agentId,omitempty"`
	ContextKey string `json:"contextKey,omitempty"`
}

func ContextKey(jobID string) string {
	return contextKeyPrefix + jobID
}

// ResolveDelivery passes the job's session key through untouched. The agent
// id is only forwarded when no session key is set, leaving identity
// resolution to the session layer.
func ResolveDelivery(job *Job) DeliveryTarget {
	target := DeliveryTarget{ContextKey: ContextKey(job.ID)}
	if job.SessionKey != "" {
		target.SessionKey = job.SessionKey
		return target
	}
	target.AgentID = job.AgentID
	return target
}
