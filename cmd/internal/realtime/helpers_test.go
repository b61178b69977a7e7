package realtime

import (
	"crypto/rand"
	"encoding/hex"
	"testing"
)

// randomSuffix isolates integration fixtures (schemas, key prefixes) between runs.
func randomSuffix(t *testing.T, nBytes int) string {
	t.Helper()
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("random suffix: %v", err)
	}
	return hex.EncodeToString(b)
}
