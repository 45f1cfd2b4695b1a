package fsutil

import (
	"fmt"
	"image"
	_ "image/jpeg"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// pairWorkingSetFactor approximates the decoded RGB raster, its grayscale
// copy, the resized or warped thermal output and the encode buffer.
const pairWorkingSetFactor = 4

// minFreeRAM stays untouched when sizing the worker pool.
const minFreeRAM = int64(512)

// GetSystemMemory returns available memory in MB
func GetSystemMemory() (int64, error) {
	content, err := os.ReadFile("/proc/meminfo")
	if err == nil {
		lines := strings.Split(string(content), "\n")
		for _, line := range lines {
			if strings.HasPrefix(line, "MemAvailable:") {
				fields := strings.Fields(line)
				if len(fields) >= 2 {
					if kb, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
						return kb / 1024, nil
					}
				}
			}
		}
	}

	var sysinfo syscall.Sysinfo_t
	if err := syscall.Sysinfo(&sysinfo); err != nil {
		return 0, err
	}
	availableBytes := int64(sysinfo.Freeram) * int64(sysinfo.Unit)
	return availableBytes / (1024 * 1024), nil
}

// PairMemoryMB estimates the memory needed to align one pair from the
// dimensions in the RGB image header. The pixels are not decoded.
func PairMemoryMB(rgbPath string) (int64, error) {
	f, err := os.Open(rgbPath)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, fmt.Errorf("read header of %s: %w", rgbPath, err)
	}
	bytes := int64(cfg.Width) * int64(cfg.Height) * 3 * pairWorkingSetFactor
	mb := bytes / (1024 * 1024)
	if mb < 1 {
		mb = 1
	}
	return mb, nil
}

// ClampWorkers lowers requested so that the estimated working set of all
// workers fits in available memory. It never returns less than 1 and leaves
// requested unchanged when memory cannot be determined.
func ClampWorkers(requested int, perWorkerMB int64, logger *slog.Logger) int {
	if requested < 1 {
		requested = 1
	}
	if perWorkerMB <= 0 {
		return requested
	}
	available, err := GetSystemMemory()
	if err != nil {
		if logger != nil {
			logger.Debug("failed to get system memory info", "error", err)
		}
		return requested
	}
	return clampWorkers(requested, perWorkerMB, available, logger)
}

func clampWorkers(requested int, perWorkerMB, availableMB int64, logger *slog.Logger) int {
	usable := availableMB - minFreeRAM
	fit := int(usable / perWorkerMB)
	if fit < 1 {
		fit = 1
	}
	if fit >= requested {
		return requested
	}
	if logger != nil {
		logger.Info("reducing workers to fit memory",
			"requested", requested,
			"workers", fit,
			"available_ram_mb", availableMB,
			"per_worker_mb", perWorkerMB,
		)
	}
	return fit
}
