package stream

import (
	"sort"

	"github.com/overloewner/trade-bot/internal/models"
)

// PartitionChannels splits the requested channel set into shard assignments
// of at most cap channels each. The result is deterministic: channels are
// deduplicated, sorted by symbol then interval, and chunked contiguously, so
// the same input always produces the same shard layout with the minimal
// number of shards.
func PartitionChannels(channels []models.Channel, cap int) [][]models.Channel {
	if cap < 1 {
		panic("stream: shard channel cap must be greater than 0")
	}

	seen := make(map[models.Channel]struct{}, len(channels))
	unique := make([]models.Channel, 0, len(channels))
	for _, ch := range channels {
		if _, ok := seen[ch]; ok {
			continue
		}
		seen[ch] = struct{}{}
		unique = append(unique, ch)
	}

	sort.Slice(unique, func(i, j int) bool {
		if unique[i].Symbol != unique[j].Symbol {
			return unique[i].Symbol < unique[j].Symbol
		}
		return unique[i].Interval < unique[j].Interval
	})

	if len(unique) == 0 {
		return nil
	}

	shards := make([][]models.Channel, 0, (len(unique)+cap-1)/cap)
	for i := 0; i < len(unique); i += cap {
		end := min(i+cap, len(unique))
		shards = append(shards, unique[i:end])
	}
	return shards
}
