package stream

import "strings"

type checkpoint struct {
	keywords []string
	progress int
}

// checkpoints are matched in order; the first hit wins.
var checkpoints = []checkpoint{
	{keywords: []string{"creating agent", "agent:"}, progress: 20},
	{keywords: []string{"creating task", "task:"}, progress: 40},
	{keywords: []string{"configured"}, progress: 50},
	{keywords: []string{"executing"}, progress: 60},
	{keywords: []string{"completed"}, progress: 90},
}

// Estimate maps a worker log message to an approximate progress
// percentage. It never returns 100; only a confirmed success does that.
// The result is advisory and can move backwards if the worker logs
// keywords out of order.
func Estimate(message string) (int, bool) {
	msg := strings.ToLower(message)
	for _, cp := range checkpoints {
		for _, kw := range cp.keywords {
			if strings.Contains(msg, kw) {
				return cp.progress, true
			}
		}
	}
	return 0, false
}
