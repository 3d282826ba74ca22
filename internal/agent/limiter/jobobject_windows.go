//go:build windows

package limiter

import (
	"time"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

const (
	jobObjectCpuRateControlEnable  = 0x1
	jobObjectCpuRateControlHardCap = 0x4
)

type jobObjectCpuRateControlInformation struct {
	ControlFlags uint32
	CpuRate      uint32
}

type jobObjectBasicAccountingInformation struct {
	TotalUserTime             int64
	TotalKernelTime           int64
	ThisPeriodTotalUserTime   int64
	ThisPeriodTotalKernelTime int64
	TotalPageFaultCount       uint32
	TotalProcesses            uint32
	ActiveProcesses           uint32
	TotalTerminatedProcesses  uint32
}

type windowsJobObjectBackend struct{}

func newPlatformJobObjectBackend() JobObjectBackend {
	return windowsJobObjectBackend{}
}

func (windowsJobObjectBackend) Create() (JobObjectHandle, error) {
	h, err := windows.CreateJobObject(nil, nil)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return JobObjectHandle(h), nil
}

func (windowsJobObjectBackend) SetCpuRate(h JobObjectHandle, rate uint32) error {
	info := jobObjectCpuRateControlInformation{
		ControlFlags: jobObjectCpuRateControlEnable | jobObjectCpuRateControlHardCap,
		CpuRate:      rate,
	}
	_, err := windows.SetInformationJobObject(windows.Handle(h), windows.JobObjectCpuRateControlInformation,
		uintptr(unsafe.Pointer(&info)), uint32(unsafe.Sizeof(info)))
	return errors.WithStack(err)
}

func (b windowsJobObjectBackend) SetAffinity(h JobObjectHandle, mask uint64) error {
	return b.updateLimits(h, func(info *windows.JOBOBJECT_EXTENDED_LIMIT_INFORMATION) {
		info.BasicLimitInformation.LimitFlags |= windows.JOB_OBJECT_LIMIT_AFFINITY
		info.BasicLimitInformation.Affinity = uintptr(mask)
	})
}

func (b windowsJobObjectBackend) SetMemoryLimit(h JobObjectHandle, bytes uint64) error {
	return b.updateLimits(h, func(info *windows.JOBOBJECT_EXTENDED_LIMIT_INFORMATION) {
		info.BasicLimitInformation.LimitFlags |= windows.JOB_OBJECT_LIMIT_JOB_MEMORY
		info.JobMemoryLimit = uintptr(bytes)
	})
}

func (windowsJobObjectBackend) updateLimits(h JobObjectHandle, update func(info *windows.JOBOBJECT_EXTENDED_LIMIT_INFORMATION)) error {
	var info windows.JOBOBJECT_EXTENDED_LIMIT_INFORMATION
	err := windows.QueryInformationJobObject(windows.Handle(h), windows.JobObjectExtendedLimitInformation,
		uintptr(unsafe.Pointer(&info)), uint32(unsafe.Sizeof(info)), nil)
	if err != nil {
		return errors.WithStack(err)
	}
	update(&info)
	_, err = windows.SetInformationJobObject(windows.Handle(h), windows.JobObjectExtendedLimitInformation,
		uintptr(unsafe.Pointer(&info)), uint32(unsafe.Sizeof(info)))
	return errors.WithStack(err)
}

func (windowsJobObjectBackend) Assign(h JobObjectHandle, pid int) error {
	process, err := windows.OpenProcess(windows.PROCESS_SET_QUOTA|windows.PROCESS_TERMINATE, false, uint32(pid))
	if err != nil {
		return errors.WithStack(err)
	}
	defer windows.CloseHandle(process)
	return errors.WithStack(windows.AssignProcessToJobObject(windows.Handle(h), process))
}

func (windowsJobObjectBackend) CpuTime(h JobObjectHandle) (time.Duration, error) {
	var info jobObjectBasicAccountingInformation
	err := windows.QueryInformationJobObject(windows.Handle(h), windows.JobObjectBasicAccountingInformation,
		uintptr(unsafe.Pointer(&info)), uint32(unsafe.Sizeof(info)), nil)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	// 100 nanosecond ticks
	return time.Duration(info.TotalUserTime+info.TotalKernelTime) * 100, nil
}

func (windowsJobObjectBackend) Close(h JobObjectHandle) error {
	return errors.WithStack(windows.CloseHandle(windows.Handle(h)))
}
