package queue

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/pablopunk/doce.dev-sub004/errors"
)

// Each slot drives one project's containers, so slots are budgeted against memory.
const (
	memoryPerSlotGB  = 1.5
	memoryReservedGB = 2.0
	maxRecommended   = 16
)

// getMemoryStats returns total and available memory in bytes.
var getMemoryStats = func() (total uint64, available uint64, err error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to get memory stats")
	}
	return v.Total, v.Available, nil
}

// calculateSafeSlotCount recommends a slot count for the available memory.
func calculateSafeSlotCount(availableGB float64) int {
	if availableGB < memoryReservedGB {
		return 1
	}
	recommended := int((availableGB - memoryReservedGB) / memoryPerSlotGB)
	if recommended < 1 {
		return 1
	}
	if recommended > maxRecommended {
		return maxRecommended
	}
	return recommended
}

// checkMemoryPressure returns a warning when slots exceeds what memory supports,
// or "" when it fits or memory cannot be read.
func checkMemoryPressure(slots int) string {
	total, available, err := getMemoryStats()
	if err != nil || total == 0 {
		return ""
	}

	availableGB := float64(available) / 1024 / 1024 / 1024
	totalGB := float64(total) / 1024 / 1024 / 1024
	recommended := calculateSafeSlotCount(availableGB)

	if slots > recommended {
		return fmt.Sprintf(
			"Slot count (%d) exceeds recommended (%d) for available memory (%.1f/%.1fGB used)",
			slots, recommended, totalGB-availableGB, totalGB)
	}
	return ""
}
