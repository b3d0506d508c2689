package proc

import "runtime"

// Platform selects how processes are spawned
type Platform string

const (
	Windows Platform = "windows"
	Linux   Platform = "linux"
	Darwin  Platform = "darwin"
	Other   Platform = "other"
)

// DetectPlatform returns the platform of the running binary
func DetectPlatform() Platform {
	switch runtime.GOOS {
	case "windows":
		return Windows
	case "linux":
		return Linux
	case "darwin":
		return Darwin
	default:
		return Other
	}
}

// IsWindows reports whether spawns need the Windows helper
func (p Platform) IsWindows() bool { return p == Windows }
