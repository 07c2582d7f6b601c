// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)

package integration

import (
	"os"
	"testing"
)

// requireIntegration skips unless RUN_INTEGRATION_TESTS is set. These tests
// bind real ports and write to disk.
func requireIntegration(t *testing.T) {
	t.Helper()
	if os.Getenv("RUN_INTEGRATION_TESTS") == "" {
		t.Skip("Set RUN_INTEGRATION_TESTS=1 to run this test")
	}
}
