// Package rewardcycle maps burnchain heights to PoX reward cycles and computes
// distances to cycle boundaries. All distances saturate at zero.
package rewardcycle

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidParams    = errors.New("rewardcycle: invalid params")
	ErrBeforeFirstBlock = errors.New("rewardcycle: height before first burnchain block")
)

// Params are the burnchain PoX constants that cycle arithmetic depends on.
type Params struct {
	FirstBurnHeight    uint64
	RewardCycleLength  uint64
	PreparePhaseLength uint64
}

func (p Params) Validate() error {
	if p.RewardCycleLength == 0 {
		return fmt.Errorf("%w: reward cycle length must be > 0", ErrInvalidParams)
	}
	if p.PreparePhaseLength == 0 {
		return fmt.Errorf("%w: prepare phase length must be > 0", ErrInvalidParams)
	}
	if p.PreparePhaseLength > p.RewardCycleLength {
		return fmt.Errorf("%w: prepare phase length %d > reward cycle length %d", ErrInvalidParams, p.PreparePhaseLength, p.RewardCycleLength)
	}
	return nil
}

// CycleStartHeight is the burn height of the first block of cycle. The first
// block sits at offset 1 within the cycle, not 0.
func (p Params) CycleStartHeight(cycle uint64) uint64 {
	return p.FirstBurnHeight + cycle*p.RewardCycleLength + 1
}

// CycleOf returns the reward cycle containing height.
func (p Params) CycleOf(height uint64) (uint64, error) {
	if p.RewardCycleLength == 0 {
		return 0, fmt.Errorf("%w: reward cycle length must be > 0", ErrInvalidParams)
	}
	if height < p.FirstBurnHeight {
		return 0, fmt.Errorf("%w: height=%d first=%d", ErrBeforeFirstBlock, height, p.FirstBurnHeight)
	}
	return (height - p.FirstBurnHeight) / p.RewardCycleLength, nil
}

// RewardSetCalculationHeight is the height at which the reward set for cycle is
// computed: the second block of the prepare phase preceding it.
func (p Params) RewardSetCalculationHeight(cycle uint64) uint64 {
	return SaturatingSub(p.CycleStartHeight(cycle), p.PreparePhaseLength) + 1
}

// BlocksToRewardSetCalculation returns how many blocks remain, from
// currentHeight, until the reward set of the cycle after currentCycle is
// calculated. currentCycle comes from the node and may trail currentHeight.
func (p Params) BlocksToRewardSetCalculation(currentHeight, currentCycle uint64) uint64 {
	return SaturatingSub(p.RewardSetCalculationHeight(currentCycle+1), currentHeight)
}

// BlocksToRewardCycleBoundary returns how many blocks remain until cycle starts.
func (p Params) BlocksToRewardCycleBoundary(currentHeight, cycle uint64) uint64 {
	return SaturatingSub(p.CycleStartHeight(cycle), currentHeight)
}

// IsInPreparePhase reports whether height falls in the prepare phase of the
// next cycle.
func (p Params) IsInPreparePhase(height uint64) bool {
	if p.RewardCycleLength == 0 || height <= p.FirstBurnHeight {
		return false
	}
	effective := height - p.FirstBurnHeight
	pos := effective % p.RewardCycleLength
	// Position 0 is the last block of the cycle; the prepare phase covers the
	// final PreparePhaseLength blocks including it.
	if pos == 0 {
		return true
	}
	return pos > p.RewardCycleLength-p.PreparePhaseLength
}

func SaturatingSub(a, b uint64) uint64 {
	if b >= a {
		return 0
	}
	return a - b
}
