package probe

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/andresailer/Adaptyst/internal/logger"
)

// RunRooflineBenchmark executes the external cache-aware roofline benchmark
// once and returns the path of the CSV it produced. A missing tool or a
// non-zero exit is fatal to the session.
func RunRooflineBenchmark(toolPath, workDir string, threads int) (string, error) {
	if toolPath == "" {
		return "", fmt.Errorf("probe: roofline requested but neither roofline_benchmark_path nor carm_tool_path is configured")
	}
	csvPath := filepath.Join(workDir, "roofline.csv")
	cmd := exec.Command(toolPath, "--output", csvPath, "--threads", strconv.Itoa(threads))
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	logger.Info("running roofline benchmark", "tool", toolPath)
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("probe: roofline benchmark: %w", err)
	}
	return csvPath, nil
}
