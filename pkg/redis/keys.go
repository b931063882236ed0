package redis

import "fmt"

// Redis key patterns for the application
// Following the pattern: entity:id or entity:id:attribute

// Rate limiting keys
func RateLimitKey(identifier, action string) string {
	return fmt.Sprintf("rate_limit:%s:%s", action, identifier)
}

// ProbeKey is the scratch key used by the connectivity probe for its
// write/read/delete roundtrip
func ProbeKey(runID string) string {
	return fmt.Sprintf("probe:%s", runID)
}
