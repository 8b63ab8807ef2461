// internal/app/system/limits/limits.go
package limits

// Request body size limits for the JSON API.
const (
	// MaxJSONBody caps registration and event submissions.
	MaxJSONBody = 64 << 10 // 64 KB

	// MaxListLimit caps the number of records a list endpoint returns.
	MaxListLimit = 500
)
