package index

import (
	"sort"

	"github.com/shirou/gopsutil/v4/mem"

	"github.com/kiro-community/total-recall/internal/embedding"
	"github.com/kiro-community/total-recall/internal/models"
)

// Estimated index footprint per message: the vector itself plus metadata
// overhead (timestamps, identifiers, the content text).
const (
	vectorBytes          = 4 * embedding.Dim
	messageOverheadBytes = 1064
	bytesPerMessage      = vectorBytes + messageOverheadBytes

	// Sessions whose message count is unknown before loading are estimated
	// at this many messages.
	estimatedSessionMessages = 10
)

// physicalMemory returns total physical RAM in bytes, or 0 when it cannot
// be determined (which disables fraction-based limits).
func physicalMemory() uint64 {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0
	}
	return vm.Total
}

// selectWithinBudget keeps the newest sessions whose estimated footprint
// fits the limit and excludes the rest, oldest first. Eviction granularity
// is the session, never the individual message, so context windows stay
// coherent. A non-positive limit keeps everything.
func selectWithinBudget(sessions []models.SessionInfo, limitBytes int64) (selected, excluded []models.SessionInfo) {
	if limitBytes <= 0 {
		return sessions, nil
	}

	sorted := make([]models.SessionInfo, len(sessions))
	copy(sorted, sessions)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].TimestampFallback().After(sorted[j].TimestampFallback())
	})

	var used int64
	for i, s := range sorted {
		count := s.MessageCount
		if count <= 0 {
			count = estimatedSessionMessages
		}
		estimated := int64(count) * bytesPerMessage
		if used+estimated > limitBytes {
			// This session and every older one are excluded.
			excluded = append(excluded, sorted[i:]...)
			break
		}
		selected = append(selected, s)
		used += estimated
	}
	return selected, excluded
}
