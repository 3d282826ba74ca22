//go:build !linux && !windows

package limiter

func DetectVersion(string) Version {
	return None
}
