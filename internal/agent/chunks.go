package agent

import "time"

const day = 24 * time.Hour

// Window is a closed date range [Start, End] sent to the usage API.
type Window struct {
	Start time.Time
	End   time.Time
}

// ChunkWindows splits the UTC calendar days from inception's day through
// end's day into disjoint windows of at most size whole days, newest first.
// Every window starts at midnight. The newest ends at end; each older one
// ends one millisecond before the next newer window starts, so every day
// belongs to exactly one window. The count is ceil(days/size).
func ChunkWindows(inception, end time.Time, size time.Duration) []Window {
	perChunk := int(size / day)
	if perChunk <= 0 || end.Before(inception) {
		return nil
	}

	firstDay := inception.UTC().Truncate(day)
	lastDay := end.UTC().Truncate(day)
	days := int(lastDay.Sub(firstDay)/day) + 1
	n := (days + perChunk - 1) / perChunk

	windows := make([]Window, 0, n)
	for i := 0; i < n; i++ {
		newest := lastDay.AddDate(0, 0, -i*perChunk)
		oldest := newest.AddDate(0, 0, -(perChunk - 1))
		if oldest.Before(firstDay) {
			oldest = firstDay
		}
		w := Window{Start: oldest, End: newest.Add(day - time.Millisecond)}
		if i == 0 {
			w.End = end.UTC()
		}
		windows = append(windows, w)
	}
	return windows
}
