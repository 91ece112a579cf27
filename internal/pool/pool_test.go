package pool

import "testing"

type fakeConn struct {
	opens, closes int
	closed        bool
}

func (c *fakeConn) Open() error {
	c.opens++
	c.closed = false
	return nil
}

func (c *fakeConn) Close() error {
	c.closes++
	c.closed = true
	return nil
}

func (c *fakeConn) IsClosed() bool { return c.closed }

func TestAliasingSharesOneConnection(t *testing.T) {
	p := New()
	shared := &fakeConn{closed: true}
	other := &fakeConn{closed: true}

	m1 := p.NewManager("host:5672", shared)
	m2 := p.NewManager("host:5672", other) // should alias to shared, discarding other

	c1, err := m1.Connect()
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	c2, err := m2.Connect()
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if c1 != c2 {
		t.Fatal("expected aliased managers to share the same connection")
	}
	if shared.opens != 1 {
		t.Fatalf("expected exactly one Open() call, got %d", shared.opens)
	}
	if other.opens != 0 {
		t.Fatal("discarded connection must never be opened")
	}
}

func TestRefcountReturnsToZero(t *testing.T) {
	p := New()
	conn := &fakeConn{closed: true}
	m1 := p.NewManager("host:5672", conn)
	m2 := p.NewManager("host:5672", conn)

	if _, err := m1.Connect(); err != nil {
		t.Fatal(err)
	}
	if _, err := m2.Connect(); err != nil {
		t.Fatal(err)
	}
	if got := m1.Refcount(); got != 2 {
		t.Fatalf("refcount = %d, want 2", got)
	}

	if err := m1.Close(); err != nil {
		t.Fatal(err)
	}
	if conn.closes != 0 {
		t.Fatal("connection must stay open while refcount > 0")
	}
	if err := m2.Close(); err != nil {
		t.Fatal(err)
	}
	if conn.closes != 1 {
		t.Fatalf("expected exactly one Close() call after last release, got %d", conn.closes)
	}
}

func TestReconnectsWhenObservedClosed(t *testing.T) {
	p := New()
	conn := &fakeConn{closed: true}
	m := p.NewManager("host:5672", conn)

	if _, err := m.Connect(); err != nil {
		t.Fatal(err)
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	// pool entry was removed; a fresh manager for the same key reopens.
	m2 := p.NewManager("host:5672", conn)
	if _, err := m2.Connect(); err != nil {
		t.Fatal(err)
	}
	if conn.opens != 2 {
		t.Fatalf("expected reconnection to reopen, got %d opens", conn.opens)
	}
}
