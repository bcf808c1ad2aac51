package room

import (
	"testing"

	"go.uber.org/goleak"
)

// Room bookkeeping (Registry/Room) never spawns a goroutine of its own —
// membership and producer tracking are plain mutex-guarded maps — so the
// whole package's test run should leave nothing behind.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
