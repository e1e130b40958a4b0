package fieldsync

import (
	"errors"
	"net/url"
	"path/filepath"
	"testing"
)

func TestBuildActionQueueFromDSNMemory(t *testing.T) {
	queue, err := BuildActionQueueFromDSN("memory://", 7)
	if err != nil {
		t.Fatalf("build memory action queue failed: %v", err)
	}
	if queue == nil {
		t.Fatalf("expected non-nil action queue")
	}
}

func TestBuildActionQueueFromDSNFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "actions.json")
	queue, err := BuildActionQueueFromDSN("file://"+path, 9)
	if err != nil {
		t.Fatalf("build file action queue failed: %v", err)
	}
	if _, err := queue.Enqueue(ActionStartRun, ActionPayload{RunID: 1}); err != nil {
		t.Fatalf("enqueue on file queue failed: %v", err)
	}

	reopened, err := BuildActionQueueFromDSN(path, 9)
	if err != nil {
		t.Fatalf("build action queue from bare path failed: %v", err)
	}
	if count := reopened.PendingCount(); count != 1 {
		t.Fatalf("expected 1 pending action via bare-path DSN, got %d", count)
	}
}

func TestDSNPathKeepsRelativePaths(t *testing.T) {
	cases := []struct {
		dsn  string
		want string
	}{
		{"sqlite://.fieldsync/actions.db", ".fieldsync/actions.db"},
		{"file://state/actions.json", "state/actions.json"},
		{"sqlite:///var/lib/fieldsync/actions.db", "/var/lib/fieldsync/actions.db"},
	}
	for _, tc := range cases {
		parsed, err := url.Parse(tc.dsn)
		if err != nil {
			t.Fatalf("parse %s failed: %v", tc.dsn, err)
		}
		got, err := dsnPath(parsed, tc.dsn)
		if err != nil {
			t.Fatalf("resolve path for %s failed: %v", tc.dsn, err)
		}
		if got != tc.want {
			t.Fatalf("resolved %s to %q, want %q", tc.dsn, got, tc.want)
		}
	}
}

func TestBuildActionQueueFromDSNRejectsUnsupportedScheme(t *testing.T) {
	if _, err := BuildActionQueueFromDSN("redis://localhost:6379/0", 10); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected not implemented error for redis backend, got %v", err)
	}
	if _, err := BuildActionQueueFromDSN("carrierpigeon://coop", 10); err == nil {
		t.Fatalf("expected unsupported scheme error")
	}
}

func TestBuildActionQueueFromDSNRejectsEmpty(t *testing.T) {
	if _, err := BuildActionQueueFromDSN("   ", 10); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for blank DSN, got %v", err)
	}
}

func TestRegisterActionQueueFactory(t *testing.T) {
	scheme := "actionqtestcustom"
	RegisterActionQueueFactory(scheme, func(dsn string, capacity int) (ActionQueue, error) {
		return NewInMemoryActionQueue(capacity), nil
	})
	queue, err := BuildActionQueueFromDSN(scheme+"://example", 17)
	if err != nil {
		t.Fatalf("build action queue via registered factory failed: %v", err)
	}
	if queue == nil {
		t.Fatalf("expected non-nil queue from registered factory")
	}
}
