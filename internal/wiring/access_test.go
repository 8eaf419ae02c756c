package wiring

import (
	"testing"

	"github.com/yasunoritani/manxo-bridge/internal/bridgeerr"
	"github.com/yasunoritani/manxo-bridge/internal/config"
)

func TestCheckAccessReadonly(t *testing.T) {
	if err := checkAccess(config.AccessReadonly, "state.sync"); err != nil {
		t.Fatalf("expected state.sync to be permitted readonly, got %v", err)
	}
	if err := checkAccess(config.AccessReadonly, "param.watch"); err != nil {
		t.Fatalf("expected param.watch to be permitted readonly, got %v", err)
	}
	err := checkAccess(config.AccessReadonly, "object.create")
	if err == nil {
		t.Fatal("expected object.create to be denied at readonly")
	}
	be, ok := bridgeerr.As(err)
	if !ok || be.Code != bridgeerr.CodeAccessDenied {
		t.Fatalf("expected CodeAccessDenied, got %v", err)
	}
}

func TestCheckAccessRestricted(t *testing.T) {
	if err := checkAccess(config.AccessRestricted, "object.create"); err != nil {
		t.Fatalf("expected object.create to be permitted restricted, got %v", err)
	}
	if err := checkAccess(config.AccessRestricted, "object.delete"); err == nil {
		t.Fatal("expected object.delete to be denied at restricted")
	}
	if err := checkAccess(config.AccessRestricted, "system.shutdown"); err == nil {
		t.Fatal("expected system.shutdown to be denied at restricted")
	}
}

func TestCheckAccessFull(t *testing.T) {
	for _, method := range []string{"object.create", "object.delete", "system.shutdown"} {
		if err := checkAccess(config.AccessFull, method); err != nil {
			t.Fatalf("expected %q to be permitted at full access, got %v", method, err)
		}
	}
}
