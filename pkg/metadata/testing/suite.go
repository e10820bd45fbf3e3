package testing

import (
	"testing"

	"github.com/marmos91/dittomd/pkg/metadata"
)

// BackendTestSuite is a conformance suite for metadata.Backend
// implementations. It tests the interface contract, not implementation
// details, so every backend runs the same checks.
type BackendTestSuite struct {
	// Open opens or creates a backend at a path
	Open metadata.Opener

	// NewPath returns a fresh, not yet existing backend location for each test.
	NewPath func(t *testing.T) string

	// SupportsConcurrentReader is true when a read-only instance can follow
	// a backend that is still open for writing.
	SupportsConcurrentReader bool
}

// Run executes all tests in the suite.
func (suite *BackendTestSuite) Run(test *testing.T) {
	test.Run("AppendRead", suite.RunAppendReadTests)
	test.Run("Scan", suite.RunScanTests)
	test.Run("Follow", suite.RunFollowTests)
	test.Run("Lifecycle", suite.RunLifecycleTests)
}
