package utils

import "fmt"

// GenerateRateLimitKey creates a unique key for rate limiting
func GenerateRateLimitKey(did, path string) string {
	return fmt.Sprintf("rl:%s:%s", did, path)
}
