package fieldsync

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestFileActionQueuePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "actions.json")
	queue, err := NewFileActionQueue(path, 8)
	if err != nil {
		t.Fatalf("new file action queue failed: %v", err)
	}
	firstID, err := queue.Enqueue(ActionStartRun, ActionPayload{RunID: 9})
	if err != nil {
		t.Fatalf("first enqueue failed: %v", err)
	}
	secondID, err := queue.Enqueue(ActionAdvanceStop, ActionPayload{RunID: 9})
	if err != nil {
		t.Fatalf("second enqueue failed: %v", err)
	}

	reopened, err := NewFileActionQueue(path, 8)
	if err != nil {
		t.Fatalf("reopen file action queue failed: %v", err)
	}
	pending, err := reopened.ListPending()
	if err != nil {
		t.Fatalf("list pending failed: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending actions after reopen, got %d", len(pending))
	}
	if pending[0].ID != firstID || pending[0].Kind != ActionStartRun {
		t.Fatalf("expected first pending action %d START_RUN, got %d %s", firstID, pending[0].ID, pending[0].Kind)
	}
	if pending[1].ID != secondID || pending[1].Kind != ActionAdvanceStop {
		t.Fatalf("expected second pending action %d ADVANCE_STOP, got %d %s", secondID, pending[1].ID, pending[1].Kind)
	}
}

func TestFileActionQueueIDsContinueAfterReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "actions.json")
	queue, err := NewFileActionQueue(path, 8)
	if err != nil {
		t.Fatalf("new file action queue failed: %v", err)
	}
	firstID, err := queue.Enqueue(ActionStartRun, ActionPayload{RunID: 1})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	reopened, err := NewFileActionQueue(path, 8)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	secondID, err := reopened.Enqueue(ActionAdvanceStop, ActionPayload{RunID: 1})
	if err != nil {
		t.Fatalf("enqueue after reopen failed: %v", err)
	}
	if secondID <= firstID {
		t.Fatalf("expected id after reopen to advance past %d, got %d", firstID, secondID)
	}
}

func TestFileActionQueueRemovePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "actions.json")
	queue, err := NewFileActionQueue(path, 8)
	if err != nil {
		t.Fatalf("new file action queue failed: %v", err)
	}
	id, err := queue.Enqueue(ActionStartRun, ActionPayload{RunID: 4})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if err := queue.Remove(id); err != nil {
		t.Fatalf("remove failed: %v", err)
	}

	reopened, err := NewFileActionQueue(path, 8)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if count := reopened.PendingCount(); count != 0 {
		t.Fatalf("expected empty queue after remove and reopen, got %d pending", count)
	}
}

func TestFileActionQueueRetryCeiling(t *testing.T) {
	path := filepath.Join(t.TempDir(), "actions.json")
	queue, err := NewFileActionQueue(path, 8)
	if err != nil {
		t.Fatalf("new file action queue failed: %v", err)
	}
	id, err := queue.Enqueue(ActionMarkDelivered, ActionPayload{RequestID: 77})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	for i := 0; i < actionRetryCeiling; i++ {
		if err := queue.RecordFailure(id, "server unavailable"); err != nil {
			t.Fatalf("record failure %d: %v", i+1, err)
		}
	}
	pending, err := queue.ListPending()
	if err != nil {
		t.Fatalf("list pending failed: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending actions after %d failures, got %d", actionRetryCeiling, len(pending))
	}
	failed, err := queue.ListFailed()
	if err != nil {
		t.Fatalf("list failed failed: %v", err)
	}
	if len(failed) != 1 || failed[0].RetryCount != actionRetryCeiling || failed[0].LastError == "" {
		t.Fatalf("expected one failed action with %d retries, got %+v", actionRetryCeiling, failed)
	}

	if err := queue.Retry(id); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	reopened, err := NewFileActionQueue(path, 8)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	pending, err = reopened.ListPending()
	if err != nil {
		t.Fatalf("list pending after retry failed: %v", err)
	}
	if len(pending) != 1 || pending[0].RetryCount != 0 || pending[0].LastError != "" {
		t.Fatalf("expected retried action back to pending with counters reset, got %+v", pending)
	}
}

func TestFileActionQueueCapacity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "actions.json")
	queue, err := NewFileActionQueue(path, 1)
	if err != nil {
		t.Fatalf("new file action queue failed: %v", err)
	}
	if _, err := queue.Enqueue(ActionStartRun, ActionPayload{RunID: 1}); err != nil {
		t.Fatalf("first enqueue failed: %v", err)
	}
	if _, err := queue.Enqueue(ActionAdvanceStop, ActionPayload{RunID: 1}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull at capacity, got %v", err)
	}
}

func TestFileActionQueueRetryRequiresFailedStatus(t *testing.T) {
	path := filepath.Join(t.TempDir(), "actions.json")
	queue, err := NewFileActionQueue(path, 8)
	if err != nil {
		t.Fatalf("new file action queue failed: %v", err)
	}
	id, err := queue.Enqueue(ActionStartRun, ActionPayload{RunID: 2})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if err := queue.Retry(id); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState retrying a pending action, got %v", err)
	}
	if err := queue.Retry(id + 100); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound retrying a missing action, got %v", err)
	}
}
