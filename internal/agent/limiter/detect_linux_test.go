//go:build linux

package limiter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestVersionFromMagic(t *testing.T) {
	assert.Equal(t, CgroupV2, versionFromMagic(unix.CGROUP2_SUPER_MAGIC))
	assert.Equal(t, CgroupV1, versionFromMagic(unix.TMPFS_MAGIC))
	assert.Equal(t, None, versionFromMagic(0xEF53))
}

func TestDetectVersion_MissingRoot(t *testing.T) {
	assert.Equal(t, None, DetectVersion("/does/not/exist"))
}
