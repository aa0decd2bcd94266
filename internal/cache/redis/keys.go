package redis

import "github.com/7and1/youtube-subtitle-api/internal/subtitle"

// Key layout for everything the service persists in the shared store. Kept
// in one place so admin pattern operations and tests agree with writers.

// ArtifactKey holds the Tier-2 artifact snapshot.
func ArtifactKey(f subtitle.Fingerprint) string {
	return "artifact:" + f.Key()
}

// ArtifactPattern matches every Tier-2 artifact entry.
const ArtifactPattern = "artifact:*"

// ArtifactVideoPattern matches all artifact entries for one video.
func ArtifactVideoPattern(videoID string) string {
	return "artifact:" + videoID + ":*"
}

// LockKey is the single-flight lock for a fingerprint.
func LockKey(f subtitle.Fingerprint) string {
	return "lock:" + f.Key()
}

// JobIndexKey maps a fingerprint to its in-flight job id.
func JobIndexKey(f subtitle.Fingerprint) string {
	return "job:index:" + f.Key()
}

// QueueKey is the FIFO list of queued job ids.
func QueueKey(name string) string {
	return "queue:" + name
}

// JobKey holds the job record snapshot.
func JobKey(jobID string) string {
	return "job:" + jobID
}

// RateLimitKey is the token bucket for one principal and endpoint.
func RateLimitKey(principal, endpoint string) string {
	return "rl:" + principal + ":" + endpoint
}

// RateLimitPrincipalPattern matches all buckets for one principal.
func RateLimitPrincipalPattern(principal string) string {
	return "rl:" + principal + ":*"
}

// ProxyFailsKey counts consecutive failures for one proxy endpoint.
func ProxyFailsKey(proxyID string) string {
	return "proxy:fails:" + proxyID
}

// ProxyLastFailureKey records the unix time of the latest failure.
func ProxyLastFailureKey(proxyID string) string {
	return "proxy:last_failure:" + proxyID
}
