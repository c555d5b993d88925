package main

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func buildBinary(t *testing.T, dir string) string {
	t.Helper()
	binaryPath := filepath.Join(dir, "coregnav-test")
	buildCmd := exec.Command("go", "build", "-o", binaryPath, ".")
	if output, err := buildCmd.CombinedOutput(); err != nil {
		t.Fatalf("Failed to build binary: %v\n%s", err, output)
	}
	return binaryPath
}

// TestNavigationServiceStartup tests the navigation service lifecycle against a local broker
func TestNavigationServiceStartup(t *testing.T) {
	// Skip if not running integration tests
	if os.Getenv("RUN_INTEGRATION_TESTS") != "1" {
		t.Skip("Skipping integration test (set RUN_INTEGRATION_TESTS=1 to run)")
	}

	tmpDir := t.TempDir()

	configYAML := `mqtt:
  broker: "mqtt://localhost:1883"
  publishPrefix: "coregnav-test"
  clientId: "coregnav-test"

tracker:
  type: debug
  jitter: 0.2

navigation:
  interval: 50ms

fiducials:
  image:
    - {x: -70, y: 0, z: 0}
    - {x: 70, y: 0, z: 0}
    - {x: 0, y: 90, z: 0}
  tracker:
    - {x: -70, y: 0, z: 0}
    - {x: 70, y: 0, z: 0}
    - {x: 0, y: 90, z: 0}
`
	configPath := filepath.Join(tmpDir, "test-config.yaml")
	if err := os.WriteFile(configPath, []byte(configYAML), 0644); err != nil {
		t.Fatalf("Failed to create test config: %v", err)
	}
	cachePath := filepath.Join(tmpDir, "reg.json")

	binaryPath := buildBinary(t, tmpDir)

	tests := []struct {
		name           string
		args           []string
		expectInOutput []string
		timeout        time.Duration
	}{
		{
			name: "register from config",
			args: []string{"--register", "--config=" + configPath, "--registration-cache=" + cachePath},
			expectInOutput: []string{
				"Loaded config from",
				"FRE: 0.000mm (excellent)",
				"Saved registration to",
			},
			timeout: 5 * time.Second,
		},
		{
			name: "successful startup with config",
			args: []string{"--navigate", "--mqtt", "--config=" + configPath, "--registration-cache=" + cachePath},
			expectInOutput: []string{
				"Starting coregnav navigation",
				"Loaded config from",
				"Loaded registration cache from",
				"Navigation Running",
				"coregnav-test/coord",
				"coregnav-test/target/set",
				"Press Ctrl+C to stop",
			},
			timeout: 5 * time.Second,
		},
		{
			name: "missing registration cache warning",
			args: []string{"--navigate", "--config=" + configPath, "--registration-cache=" + filepath.Join(tmpDir, "none.json")},
			expectInOutput: []string{
				"Warning: No registration cache found",
			},
			timeout: 3 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), tt.timeout)
			defer cancel()

			cmd := exec.CommandContext(ctx, binaryPath, tt.args...)
			output, _ := cmd.CombinedOutput()
			outputStr := string(output)

			for _, expected := range tt.expectInOutput {
				if !strings.Contains(outputStr, expected) {
					t.Errorf("Expected output to contain '%s', but it didn't.\nFull output:\n%s",
						expected, outputStr)
				}
			}
		})
	}
}

// TestNavigationServiceSignalHandling tests SIGINT handling
func TestNavigationServiceSignalHandling(t *testing.T) {
	if os.Getenv("RUN_INTEGRATION_TESTS") != "1" {
		t.Skip("Skipping integration test (set RUN_INTEGRATION_TESTS=1 to run)")
	}

	tmpDir := t.TempDir()
	binaryPath := buildBinary(t, tmpDir)

	cmd := exec.Command(binaryPath, "--navigate", "--config="+filepath.Join(tmpDir, "none.yaml"),
		"--registration-cache="+filepath.Join(tmpDir, "reg.json"))
	if err := cmd.Start(); err != nil {
		t.Fatalf("Failed to start service: %v", err)
	}

	// Give it time to start
	time.Sleep(2 * time.Second)

	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		t.Logf("Failed to send SIGINT (process may have already exited): %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Service exited with error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Error("Service did not shut down within timeout")
		if err := cmd.Process.Kill(); err != nil {
			t.Logf("Failed to kill process: %v", err)
		}
	}
}

// TestNavigationServiceHelpFlag tests the --help output lists the modes
func TestNavigationServiceHelpFlag(t *testing.T) {
	if os.Getenv("RUN_INTEGRATION_TESTS") != "1" {
		t.Skip("Skipping integration test (set RUN_INTEGRATION_TESTS=1 to run)")
	}

	cmd := exec.Command("go", "run", ".", "--help")
	output, _ := cmd.CombinedOutput()

	outputStr := string(output)
	for _, flag := range []string{"-navigate", "-mqtt", "-http", "-register", "-refine", "-check-tracker", "-render-view"} {
		if !strings.Contains(outputStr, flag) {
			t.Errorf("Expected help output to contain %s.\nFull output:\n%s", flag, outputStr)
		}
	}
}
