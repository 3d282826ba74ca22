package limiter

import (
	"math/big"
	"strconv"

	"github.com/crankbench/crank/internal/agent/job"
	"github.com/crankbench/crank/internal/common/benchmarkerrors"
)

// CpuQuota returns floor(ratio * period). The ratio is taken at its shortest decimal representation
// so that 0.29 * 100000 is 29000 and not 28999.
func CpuQuota(ratio float64, period uint64) (uint64, error) {
	if err := job.ValidateCpuLimitRatio(ratio); err != nil {
		return 0, err
	}
	if ratio == 0 {
		return 0, &benchmarkerrors.ErrInvalidArgument{Name: "cpuLimitRatio", Value: ratio, Message: "must be in (0, 1]"}
	}
	r, ok := new(big.Rat).SetString(strconv.FormatFloat(ratio, 'f', -1, 64))
	if !ok {
		return 0, &benchmarkerrors.ErrInvalidArgument{Name: "cpuLimitRatio", Value: ratio}
	}
	product := new(big.Rat).Mul(r, new(big.Rat).SetUint64(period))
	quota := new(big.Int).Quo(product.Num(), product.Denom())
	if quota.Sign() <= 0 {
		return 0, &benchmarkerrors.ErrInvalidArgument{Name: "cpuLimitRatio", Value: ratio, Message: "too small for the cpu period"}
	}
	return quota.Uint64(), nil
}
