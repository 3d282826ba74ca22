//go:build windows

package limiter

func DetectVersion(string) Version {
	return JobObject
}
