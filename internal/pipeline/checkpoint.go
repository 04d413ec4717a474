package pipeline

import (
	"sort"
	"time"

	"cdcflow/internal/record"
)

// checkpoint is the worker-owned progress since the last commit. It is
// never shared; the runner publishes clones of offset after a commit.
type checkpoint struct {
	offset     record.Offset
	dirty      map[string]struct{}
	events     int
	lastCommit time.Time
}

func newCheckpoint(from record.Offset, now time.Time) *checkpoint {
	return &checkpoint{
		offset:     from.Clone(),
		dirty:      map[string]struct{}{},
		lastCommit: now,
	}
}

// advance records one handled event for partition.
func (c *checkpoint) advance(partition, position string) {
	c.offset.Advance(partition, position)
	c.dirty[partition] = struct{}{}
	c.events++
}

// pending lists dirty partitions in a stable order.
func (c *checkpoint) pending() []string {
	out := make([]string, 0, len(c.dirty))
	for p := range c.dirty {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (c *checkpoint) committed(now time.Time) {
	clear(c.dirty)
	c.events = 0
	c.lastCommit = now
}
