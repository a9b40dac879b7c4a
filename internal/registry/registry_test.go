package registry

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func handle(id, secret string) *Handle {
	return &Handle{ID: id, ClientSecret: secret, StartedAt: time.Now()}
}

func TestAddAndGet(t *testing.T) {
	r := New()
	h := handle("s1", "ek_1")
	if err := r.Add(h); err != nil {
		t.Fatalf("add: %v", err)
	}
	if got := r.Get("s1"); got != h {
		t.Errorf("Get = %v, want the added handle", got)
	}
	if got := r.BySecret("ek_1"); got != h {
		t.Errorf("BySecret = %v, want the added handle", got)
	}
	if r.Len() != 1 {
		t.Errorf("len = %d", r.Len())
	}
}

func TestAddDuplicateID(t *testing.T) {
	r := New()
	if err := r.Add(handle("s1", "ek_1")); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := r.Add(handle("s1", "ek_2")); !errors.Is(err, ErrDuplicateSession) {
		t.Errorf("err = %v, want ErrDuplicateSession", err)
	}
}

func TestRemoveByID(t *testing.T) {
	r := New()
	h := handle("s1", "ek_1")
	r.Add(h)

	if got := r.Remove("s1"); got != h {
		t.Fatalf("Remove = %v, want the handle", got)
	}
	if r.Get("s1") != nil || r.BySecret("ek_1") != nil {
		t.Error("both indexes must be cleared")
	}
	if r.Remove("s1") != nil {
		t.Error("second remove must return nil")
	}
}

func TestRemoveBySecret(t *testing.T) {
	r := New()
	h := handle("s1", "ek_1")
	r.Add(h)

	if got := r.Remove("ek_1"); got != h {
		t.Fatalf("Remove by secret = %v, want the handle", got)
	}
	if r.Get("s1") != nil {
		t.Error("id index must be cleared on secret removal")
	}
}

func TestHandleWithoutSecret(t *testing.T) {
	r := New()
	r.Add(handle("s1", ""))
	if r.BySecret("") != nil {
		t.Error("empty secret must not be indexed")
	}
	if r.Remove("s1") == nil {
		t.Error("removal by id must still work")
	}
}

func TestList(t *testing.T) {
	r := New()
	r.Add(handle("a", "ek_a"))
	r.Add(handle("b", "ek_b"))
	if got := len(r.List()); got != 2 {
		t.Errorf("list len = %d, want 2", got)
	}
}

func TestConcurrentAccess(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := string(rune('a' + n))
			r.Add(handle(id, "ek_"+id))
			r.Get(id)
			r.List()
			r.Remove(id)
		}(i)
	}
	wg.Wait()
	if r.Len() != 0 {
		t.Errorf("len = %d after removals", r.Len())
	}
}
