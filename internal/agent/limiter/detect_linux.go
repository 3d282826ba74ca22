//go:build linux

package limiter

import (
	"golang.org/x/sys/unix"
)

const defaultCgroupRoot = "/sys/fs/cgroup"

// DetectVersion inspects the filesystem mounted at root. It never fails: anything unexpected means
// no limiting.
func DetectVersion(root string) Version {
	if root == "" {
		root = defaultCgroupRoot
	}
	var fs unix.Statfs_t
	if err := unix.Statfs(root, &fs); err != nil {
		return None
	}
	return versionFromMagic(int64(fs.Type))
}

func versionFromMagic(magic int64) Version {
	switch magic {
	case unix.CGROUP2_SUPER_MAGIC:
		return CgroupV2
	case unix.TMPFS_MAGIC:
		return CgroupV1
	default:
		return None
	}
}
