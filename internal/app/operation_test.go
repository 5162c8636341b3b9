package app

import "testing"

func TestOperation_Name(t *testing.T) {
	for op, want := range map[Operation]string{
		{Kind: OpToken}:                        "Token",
		{Kind: OpSync}:                         "Sync",
		{Kind: OpArchive, ArchivePath: "Pets"}: "Archive",
		{Kind: OpDaemon, CronExpr: "@hourly"}:  "Daemon",
	} {
		if got := op.Name(); got != want {
			t.Errorf("Name() = %q, want %q", got, want)
		}
	}
}

func TestOperation_NeedsLock(t *testing.T) {
	if (Operation{Kind: OpToken}).NeedsLock() {
		t.Error("token operation must not take the library lock")
	}
	for _, kind := range []OpKind{OpSync, OpArchive, OpDaemon} {
		if !(Operation{Kind: kind}).NeedsLock() {
			t.Errorf("operation %v must take the library lock", kind)
		}
	}
}
