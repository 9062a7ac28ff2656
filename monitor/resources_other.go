//go:build !linux

package monitor

import "log/slog"

func newSystemSampler(root string, logger *slog.Logger) ResourceSampler {
	logger.Warn("cpu and memory sampling is only supported on linux, reporting zero")
	return diskOnly{root: root}
}
