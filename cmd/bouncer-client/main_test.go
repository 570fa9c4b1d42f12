package main

import (
	"errors"
	"testing"
)

func TestExitCodeForUsageVsTempfail(t *testing.T) {
	if got := exitCodeFor(usageError{errors.New("missing --server")}); got != exUsage {
		t.Errorf("exitCodeFor(usageError) = %d, want %d", got, exUsage)
	}
	if got := exitCodeFor(errors.New("connection refused")); got != exTempfail {
		t.Errorf("exitCodeFor(other) = %d, want %d", got, exTempfail)
	}
}
