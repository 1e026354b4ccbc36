// Package stream wraps a durable log store with consumer groups: publishing
// with approximate trimming, blocking group claims, acks, pending stats,
// idempotency locks, and heartbeats. The Redis implementation is the
// production store; the memory implementation backs tests.
package stream

import "fmt"

// Keys builds the namespaced key layout shared by every component.
type Keys struct {
	Namespace string
}

// NewKeys returns a key builder for ns, defaulting to "fabric".
func NewKeys(ns string) Keys {
	if ns == "" {
		ns = "fabric"
	}
	return Keys{Namespace: ns}
}

// Stream namespaces an arbitrary stream name.
func (k Keys) Stream(name string) string {
	return k.Namespace + ":" + name
}

// TaskStream names the task stream for a domain.
func (k Keys) TaskStream(domain string) string {
	return fmt.Sprintf("%s:%s:tasks", k.Namespace, domain)
}

// ResultStream names the results stream for a domain.
func (k Keys) ResultStream(domain string) string {
	return fmt.Sprintf("%s:%s:results", k.Namespace, domain)
}

// DLQStream names the dead-letter stream for a domain.
func (k Keys) DLQStream(domain string) string {
	return fmt.Sprintf("%s:%s:dlq", k.Namespace, domain)
}

// DelayedSet names the delayed-requeue sorted set for a domain.
func (k Keys) DelayedSet(domain string) string {
	return fmt.Sprintf("%s:%s:delayed", k.Namespace, domain)
}

// IdempKey names the idempotency lock for one stream entry.
func (k Keys) IdempKey(stream, msgID string) string {
	return fmt.Sprintf("%s:ops:idemp:%s:%s", k.Namespace, stream, msgID)
}

// HeartbeatKey names the liveness key for a service instance.
func (k Keys) HeartbeatKey(service, id string) string {
	return fmt.Sprintf("%s:ops:hb:%s:%s", k.Namespace, service, id)
}

// HeartbeatPattern matches every heartbeat key in the namespace.
func (k Keys) HeartbeatPattern() string {
	return k.Namespace + ":ops:hb:*"
}
