package expiry

import (
	"testing"

	"github.com/google/uuid"
)

func TestQueuePopExpiredOrdering(t *testing.T) {
	q := New()
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	q.Upsert(a, 300)
	q.Upsert(b, 100)
	q.Upsert(c, 200)

	due := q.PopExpired(150)
	if len(due) != 1 || due[0] != b {
		t.Fatalf("PopExpired(150) = %v, want [%v]", due, b)
	}
	if q.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", q.Len())
	}

	due = q.PopExpired(1000)
	if len(due) != 2 || due[0] != c || due[1] != a {
		t.Fatalf("PopExpired(1000) = %v, want [%v %v]", due, c, a)
	}
	if q.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", q.Len())
	}
}

func TestQueueUpsertReplacesDeadline(t *testing.T) {
	q := New()
	id := uuid.New()
	q.Upsert(id, 100)
	q.Upsert(id, 500)

	if due := q.PopExpired(100); len(due) != 0 {
		t.Fatalf("PopExpired(100) = %v, want none (deadline pushed to 500)", due)
	}
	due := q.PopExpired(500)
	if len(due) != 1 || due[0] != id {
		t.Fatalf("PopExpired(500) = %v, want [%v]", due, id)
	}
}

func TestQueueRemove(t *testing.T) {
	q := New()
	id := uuid.New()
	q.Upsert(id, 100)
	q.Remove(id)
	if due := q.PopExpired(1000); len(due) != 0 {
		t.Fatalf("PopExpired after Remove = %v, want none", due)
	}
}
