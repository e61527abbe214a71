package imap

import (
	"context"
	"testing"
)

// poolWith builds a manager whose pool is pre-populated with
// unconnected servers, enough to exercise the selection logic.
func poolWith(t *testing.T, n int) (*ConnectionManager, []*connectionInfo) {
	t.Helper()
	m := NewConnectionManager(DefaultManagerConfig(), nil)
	m.cfg.ConcurrentConnections = n
	var conns []*connectionInfo
	for i := 0; i < n; i++ {
		ci := &connectionInfo{
			server:  NewServer(DefaultServerConfig()),
			folders: make(map[string]bool),
		}
		conns = append(conns, ci)
		m.conns = append(m.conns, ci)
	}
	return m, conns
}

func TestGetConnectionFolderAffinity(t *testing.T) {
	m, conns := poolWith(t, 3)
	conns[1].addFolder("INBOX")
	conns[0].addFolder("Archive")
	conns[2].addFolder("Sent")

	ci, err := m.getConnection(context.Background(), "INBOX")
	if err != nil {
		t.Fatalf("getConnection: %v", err)
	}
	if ci != conns[1] {
		t.Error("affine connection not chosen")
	}
}

func TestGetConnectionPrefersUnclaimed(t *testing.T) {
	m, conns := poolWith(t, 2)
	conns[0].addFolder("INBOX")

	ci, err := m.getConnection(context.Background(), "Archive")
	if err != nil {
		t.Fatalf("getConnection: %v", err)
	}
	if ci != conns[1] {
		t.Error("unclaimed connection not chosen")
	}
	if !conns[1].hasFolder("Archive") {
		t.Error("folder not recorded on chosen connection")
	}
}

func TestGetConnectionLeastLoadedAtCapacity(t *testing.T) {
	m, conns := poolWith(t, 2)
	conns[0].addFolder("A")
	conns[1].addFolder("B")
	// Give the first server an outstanding job.
	conns[0].server.jobs = append(conns[0].server.jobs, &Job{})

	ci, err := m.getConnection(context.Background(), "C")
	if err != nil {
		t.Fatalf("getConnection: %v", err)
	}
	if ci != conns[1] {
		t.Error("least-loaded connection not chosen")
	}
}

func TestGetConnectionClosed(t *testing.T) {
	m, _ := poolWith(t, 1)
	m.CloseConnections()
	if _, err := m.getConnection(context.Background(), "INBOX"); err == nil {
		t.Fatal("getConnection succeeded on closed pool")
	}
}

func TestSelectChangedReleasesFolder(t *testing.T) {
	m, conns := poolWith(t, 1)
	ci := conns[0]
	ci.addFolder("INBOX")
	ci.selected = "INBOX"

	m.selectChanged(ci, "Archive")
	if ci.hasFolder("INBOX") {
		t.Error("idle folder affinity not released")
	}
}
