package controller

import (
	"context"
	"errors"
	"testing"

	"dmailbox/config"
	"dmailbox/models"
	"dmailbox/store"
	"dmailbox/utils"
)

// fakeWSConn stands in for a websocket connection. It records every write
// and whether the hub already knew the connection when each write started.
type fakeWSConn struct {
	token              string
	hub                *UpdateHub
	did                string
	writes             []interface{}
	writeCalls         int
	registeredAtWrites []bool
	writeErr           error
	closed             bool
	reads              int
}

func (f *fakeWSConn) Query(key string, defaultValue ...string) string {
	if key == "token" {
		return f.token
	}
	if len(defaultValue) > 0 {
		return defaultValue[0]
	}
	return ""
}

func (f *fakeWSConn) WriteJSON(v interface{}) error {
	f.writeCalls++
	if f.hub != nil {
		f.registeredAtWrites = append(f.registeredAtWrites, f.hub.Listeners(f.did))
	}
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writes = append(f.writes, v)
	return nil
}

func (f *fakeWSConn) ReadMessage() (int, []byte, error) {
	f.reads++
	return 0, nil, errors.New("client closed")
}

func (f *fakeWSConn) Close() error {
	f.closed = true
	return nil
}

func wsTestToken(t *testing.T, s store.Store, did string) string {
	t.Helper()
	config.AppConfig.EncryptionKey = "unit-test-key"
	identity, err := s.EnsureIdentity(context.Background(), did, "", "")
	if err != nil {
		t.Fatal(err)
	}
	token, _, err := utils.GenerateJWTToken(identity)
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func TestMailboxWSSnapshotPrecedesRegistration(t *testing.T) {
	s := store.NewMemoryStore()
	hub := NewUpdateHub()
	token := wsTestToken(t, s, testAlice)

	conn := &fakeWSConn{token: token, hub: hub, did: testAlice}
	serveMailboxWS(s, hub, conn)

	if len(conn.writes) != 1 {
		t.Fatalf("writes = %d, want one snapshot", len(conn.writes))
	}
	update, ok := conn.writes[0].(MailboxUpdate)
	if !ok || update.Type != "mailbox" {
		t.Fatalf("first frame is not a mailbox snapshot: %#v", conn.writes[0])
	}
	// The handshake write must finish before broadcasts can reach the
	// connection, otherwise two goroutines write to the same socket.
	if conn.registeredAtWrites[0] {
		t.Error("connection was registered before the snapshot write")
	}
	if hub.Listeners(testAlice) {
		t.Error("connection still registered after disconnect")
	}
	if !conn.closed {
		t.Error("connection not closed on exit")
	}
	if conn.reads == 0 {
		t.Error("read loop never ran; broadcasts would not be held open")
	}
}

func TestMailboxWSRejectsBadToken(t *testing.T) {
	s := store.NewMemoryStore()
	hub := NewUpdateHub()
	config.AppConfig.EncryptionKey = "unit-test-key"

	conn := &fakeWSConn{token: "not-a-token", hub: hub, did: testAlice}
	serveMailboxWS(s, hub, conn)

	if hub.Listeners(testAlice) {
		t.Error("unauthenticated connection was registered")
	}
	if len(conn.writes) != 1 {
		t.Fatalf("writes = %d, want one error frame", len(conn.writes))
	}
	if _, ok := conn.writes[0].(MailboxUpdate); ok {
		t.Error("unauthenticated connection received a snapshot")
	}
	if conn.reads != 0 {
		t.Error("read loop ran for an unauthenticated connection")
	}
}

func TestMailboxWSRejectsStaleTokenVersion(t *testing.T) {
	s := store.NewMemoryStore()
	hub := NewUpdateHub()
	wsTestToken(t, s, testAlice)

	// A token minted for a later version than the store holds must be
	// treated as revoked.
	stale := models.Identity{DID: testAlice, TokenVersion: 7}
	token, _, err := utils.GenerateJWTToken(&stale)
	if err != nil {
		t.Fatal(err)
	}

	conn := &fakeWSConn{token: token, hub: hub, did: testAlice}
	serveMailboxWS(s, hub, conn)

	if hub.Listeners(testAlice) {
		t.Error("stale-token connection was registered")
	}
	if conn.reads != 0 {
		t.Error("read loop ran for a stale token")
	}
}

func TestUpdateHubDropsDeadConnections(t *testing.T) {
	hub := NewUpdateHub()
	live := &fakeWSConn{}
	dead := &fakeWSConn{writeErr: errors.New("broken pipe")}
	hub.register(testAlice, live)
	hub.register(testAlice, dead)

	hub.Broadcast(testAlice, MailboxUpdate{Type: "mailbox", Counts: map[models.Folder]int{}})

	if len(live.writes) != 1 {
		t.Errorf("live connection writes = %d, want 1", len(live.writes))
	}
	if !dead.closed {
		t.Error("dead connection was not closed")
	}

	hub.Broadcast(testAlice, MailboxUpdate{Type: "mailbox"})
	if len(live.writes) != 2 {
		t.Errorf("live connection writes = %d, want 2", len(live.writes))
	}
	if dead.writeCalls != 1 {
		t.Errorf("dead connection write calls = %d, want 1", dead.writeCalls)
	}
}
