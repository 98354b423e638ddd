package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"casewire/internal/auth"
	"casewire/internal/room"
	ws "casewire/internal/websocket"
	"casewire/pkg/interfaces"
	"casewire/pkg/types"
)

// memStore is an in-memory persistence bridge that can be flipped to
// failing, which lets tests observe that broadcasts never precede a
// successful write.
type memStore struct {
	mu         sync.Mutex
	messages   []*types.Message
	receipts   map[string]map[string]time.Time
	failCreate bool
	seq        int
}

func newMemStore() *memStore {
	return &memStore{receipts: make(map[string]map[string]time.Time)}
}

func (s *memStore) CreateMessage(_ context.Context, caseID, body, senderClass string, senderID, linkID *string) (*types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCreate {
		return nil, types.ErrPersistence
	}
	s.seq++
	msg := &types.Message{
		ID:          fmt.Sprintf("m%d", s.seq),
		CaseID:      caseID,
		Body:        body,
		SenderClass: senderClass,
		SenderID:    senderID,
		LinkID:      linkID,
		CreatedAt:   time.Now().UTC(),
	}
	s.messages = append(s.messages, msg)
	return msg, nil
}

func (s *memStore) UpsertReadReceipt(_ context.Context, messageID, recipientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.receipts[messageID] == nil {
		s.receipts[messageID] = make(map[string]time.Time)
	}
	if _, ok := s.receipts[messageID][recipientID]; !ok {
		s.receipts[messageID][recipientID] = time.Now().UTC()
	}
	return nil
}

func (s *memStore) ListMessages(_ context.Context, caseID string) ([]*types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Message
	for _, m := range s.messages {
		if m.CaseID == caseID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *memStore) CountUnread(_ context.Context, recipientID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, m := range s.messages {
		if _, ok := s.receipts[m.ID][recipientID]; !ok {
			count++
		}
	}
	return count, nil
}

func (s *memStore) CountUnreadByCase(_ context.Context, recipientID string) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[string]int)
	for _, m := range s.messages {
		if _, ok := s.receipts[m.ID][recipientID]; !ok {
			counts[m.CaseID]++
		}
	}
	return counts, nil
}

func (s *memStore) messageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func (s *memStore) receiptCount(messageID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.receipts[messageID])
}

type memLinks struct {
	links map[string]*types.AccessLink
}

func (l *memLinks) GetLinkByTokenHash(_ context.Context, hash string) (*types.AccessLink, error) {
	if link, ok := l.links[hash]; ok {
		return link, nil
	}
	return nil, interfaces.ErrLinkNotFound
}

func (l *memLinks) CreateAccessLink(context.Context, string, string, *time.Time) (*types.AccessLink, error) {
	return nil, errors.New("not implemented")
}

func (l *memLinks) RevokeAccessLink(context.Context, string) error {
	return errors.New("not implemented")
}

type memDirectory struct{}

func (memDirectory) ResolveStaff(_ context.Context, userID string) (types.StaffRole, error) {
	if strings.HasPrefix(userID, "admin-") {
		return types.StaffRoleAdmin, nil
	}
	return types.StaffRoleAssignee, nil
}

// fakeRelay records publishes and can be flipped to failing.
type fakeRelay struct {
	mu        sync.Mutex
	published []string // caseID
	fail      bool
}

func (f *fakeRelay) Publish(_ context.Context, caseID string, _ types.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("relay down")
	}
	f.published = append(f.published, caseID)
	return nil
}

func (f *fakeRelay) Start(context.Context, func(string, types.Envelope)) error { return nil }

type testEnv struct {
	store  *memStore
	links  *memLinks
	relay  *fakeRelay
	hub    *Hub
	rooms  *room.Router
	server *httptest.Server
}

func setupEnv(t *testing.T, links map[string]*types.AccessLink) *testEnv {
	t.Helper()
	logger := zap.NewNop()

	env := &testEnv{
		store: newMemStore(),
		links: &memLinks{links: links},
		relay: &fakeRelay{},
	}

	gate := auth.NewGate(env.links, memDirectory{}, logger)
	env.rooms = room.NewRouter(logger)
	registry := ws.NewRegistry(env.rooms, logger)
	env.rooms.OnDeadConnection(registry.Unregister)

	env.hub = NewHub(gate, env.rooms, env.store, env.relay, logger)
	handler := ws.NewHandler(registry, env.hub, ws.Options{}, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", handler.ServeWS)
	env.server = httptest.NewServer(mux)
	t.Cleanup(env.server.Close)

	return env
}

// testClient wraps a dialed connection with envelope-level helpers.
type testClient struct {
	t    *testing.T
	conn *gorilla.Conn
	// pending holds the result of a background read started by
	// expectSilence that outlived its window; expect drains it first so
	// the connection never has two concurrent readers.
	pending chan readResult
}

type readResult struct {
	data []byte
	err  error
}

func dial(t *testing.T, server *httptest.Server) *testClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, _, err := gorilla.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &testClient{t: t, conn: conn}
}

func (c *testClient) send(env types.Envelope) {
	c.t.Helper()
	if err := c.conn.WriteJSON(env); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

// expect reads until an envelope of the wanted type arrives or the
// deadline passes.
func (c *testClient) expect(want types.EventType) types.Envelope {
	c.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var data []byte
		if c.pending != nil {
			select {
			case r := <-c.pending:
				c.pending = nil
				if r.err != nil {
					c.t.Fatalf("waiting for %s: %v", want, r.err)
				}
				data = r.data
			case <-time.After(time.Until(deadline)):
				c.t.Fatalf("no %s event before deadline", want)
			}
		} else {
			_ = c.conn.SetReadDeadline(deadline)
			var err error
			_, data, err = c.conn.ReadMessage()
			if err != nil {
				c.t.Fatalf("waiting for %s: %v", want, err)
			}
		}
		var env types.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.t.Fatalf("decode: %v", err)
		}
		if env.Type == want {
			return env
		}
	}
	c.t.Fatalf("no %s event before deadline", want)
	return types.Envelope{}
}

// expectSilence asserts that nothing arrives within the window. A read
// deadline would poison the gorilla connection permanently, so the wait
// happens on a background read with no deadline; if the window elapses
// the in-flight read is kept as pending for the next expect to drain.
func (c *testClient) expectSilence(window time.Duration) {
	c.t.Helper()
	if c.pending == nil {
		_ = c.conn.SetReadDeadline(time.Time{})
		ch := make(chan readResult, 1)
		go func() {
			_, data, err := c.conn.ReadMessage()
			ch <- readResult{data: data, err: err}
		}()
		c.pending = ch
	}
	select {
	case r := <-c.pending:
		c.pending = nil
		if r.err != nil {
			c.t.Fatalf("read failed during silence window: %v", r.err)
		}
		c.t.Fatalf("unexpected event during silence window: %s", r.data)
	case <-time.After(window):
	}
}

func (c *testClient) authStaff(userID string) {
	c.t.Helper()
	c.send(types.NewEnvelope(types.EventAuth, types.AuthPayload{
		Kind: types.PrincipalStaff, UserID: userID,
	}))
}

func (c *testClient) joinCase(caseID string) {
	c.t.Helper()
	c.send(types.NewEnvelope(types.EventJoinCase, types.JoinPayload{CaseID: caseID}))
	env := c.expect(types.EventJoinedCase)
	var payload types.JoinPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil || payload.CaseID != caseID {
		c.t.Fatalf("bad join ack: %s (%v)", env.Payload, err)
	}
}

func errorCode(t *testing.T, env types.Envelope) string {
	t.Helper()
	var payload types.ErrorPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	return payload.Code
}

func TestStaffRoomScenario(t *testing.T) {
	env := setupEnv(t, nil)

	a := dial(t, env.server)
	b := dial(t, env.server)
	other := dial(t, env.server)

	a.authStaff("admin-alice")
	b.authStaff("bob")
	other.authStaff("carol")

	a.joinCase("c1")
	b.joinCase("c1")
	other.joinCase("c2")

	a.send(types.NewEnvelope(types.EventSend, types.SendPayload{CaseID: "c1", Body: "hello"}))

	for name, c := range map[string]*testClient{"sender": a, "peer": b} {
		got := c.expect(types.EventMessageNew)
		var msg types.Message
		if err := json.Unmarshal(got.Payload, &msg); err != nil {
			t.Fatalf("%s: decode message: %v", name, err)
		}
		if msg.Body != "hello" || msg.CaseID != "c1" {
			t.Fatalf("%s: unexpected message %+v", name, msg)
		}
		if msg.SenderClass != types.SenderStaffAdmin {
			t.Fatalf("%s: expected staff-admin classification, got %s", name, msg.SenderClass)
		}
	}

	// The connection joined to another case receives nothing.
	other.expectSilence(300 * time.Millisecond)

	if env.store.messageCount() != 1 {
		t.Fatalf("expected 1 persisted message, got %d", env.store.messageCount())
	}
}

func TestSenderSelfReceiptRecorded(t *testing.T) {
	env := setupEnv(t, nil)

	a := dial(t, env.server)
	a.authStaff("admin-alice")
	a.joinCase("c1")
	a.send(types.NewEnvelope(types.EventSend, types.SendPayload{CaseID: "c1", Body: "note"}))

	got := a.expect(types.EventMessageNew)
	var msg types.Message
	if err := json.Unmarshal(got.Payload, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.store.receiptCount(msg.ID) != 1 {
		t.Fatalf("expected the sender's own receipt, got %d", env.store.receiptCount(msg.ID))
	}
	unread, _ := env.store.CountUnread(context.Background(), "admin-alice")
	if unread != 0 {
		t.Fatalf("sender's own message counted as unread: %d", unread)
	}
}

func TestClientAutoJoinAndIsolation(t *testing.T) {
	env := setupEnv(t, map[string]*types.AccessLink{
		auth.HashToken("tok-c1"): {ID: "l1", CaseID: "c1"},
	})

	c := dial(t, env.server)
	c.send(types.NewEnvelope(types.EventAuth, types.AuthPayload{
		Kind: types.PrincipalClient, Token: "tok-c1",
	}))

	// The bound case is joined implicitly on successful auth.
	ack := c.expect(types.EventJoinedCase)
	var joined types.JoinPayload
	if err := json.Unmarshal(ack.Payload, &joined); err != nil || joined.CaseID != "c1" {
		t.Fatalf("bad implicit join ack: %s", ack.Payload)
	}

	// Cross-case join is the isolation boundary: rejected, no membership.
	c.send(types.NewEnvelope(types.EventJoinCase, types.JoinPayload{CaseID: "c2"}))
	errEnv := c.expect(types.EventError)
	if code := errorCode(t, errEnv); code != types.CodeForbidden {
		t.Fatalf("expected forbidden, got %s", code)
	}
	if env.rooms.MemberCount("c2") != 0 {
		t.Fatal("rejected join created membership")
	}

	// The rejection did not close the connection: the client can still
	// send to its own case.
	c.send(types.NewEnvelope(types.EventSend, types.SendPayload{Body: "still here"}))
	got := c.expect(types.EventMessageNew)
	var msg types.Message
	if err := json.Unmarshal(got.Payload, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.CaseID != "c1" || msg.SenderClass != types.SenderClient {
		t.Fatalf("unexpected client message: %+v", msg)
	}
	if msg.SenderID != nil || msg.LinkID == nil || *msg.LinkID != "l1" {
		t.Fatalf("client message identity wrong: %+v", msg)
	}
}

func TestClientSendToForeignCaseRejected(t *testing.T) {
	env := setupEnv(t, map[string]*types.AccessLink{
		auth.HashToken("tok-c1"): {ID: "l1", CaseID: "c1"},
	})

	c := dial(t, env.server)
	c.send(types.NewEnvelope(types.EventAuth, types.AuthPayload{
		Kind: types.PrincipalClient, Token: "tok-c1",
	}))
	c.expect(types.EventJoinedCase)

	c.send(types.NewEnvelope(types.EventSend, types.SendPayload{CaseID: "c2", Body: "sneaky"}))
	errEnv := c.expect(types.EventError)
	if code := errorCode(t, errEnv); code != types.CodeForbidden {
		t.Fatalf("expected forbidden, got %s", code)
	}
	if env.store.messageCount() != 0 {
		t.Fatal("cross-case send was persisted")
	}
}

func TestAuthRejectionClosesConnection(t *testing.T) {
	env := setupEnv(t, nil)

	c := dial(t, env.server)
	c.send(types.NewEnvelope(types.EventAuth, types.AuthPayload{
		Kind: types.PrincipalClient, Token: "no-such-token",
	}))

	errEnv := c.expect(types.EventError)
	if code := errorCode(t, errEnv); code != types.CodeLinkNotFound {
		t.Fatalf("expected link_not_found, got %s", code)
	}

	// The server closes after notifying; the next read must fail.
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := c.conn.ReadMessage(); err == nil {
		t.Fatal("connection still open after auth rejection")
	}
}

func TestEventBeforeAuthClosesConnection(t *testing.T) {
	env := setupEnv(t, nil)

	c := dial(t, env.server)
	c.send(types.NewEnvelope(types.EventSend, types.SendPayload{CaseID: "c1", Body: "early"}))

	errEnv := c.expect(types.EventError)
	if code := errorCode(t, errEnv); code != types.CodeAuthRequired {
		t.Fatalf("expected auth_required, got %s", code)
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := c.conn.ReadMessage(); err == nil {
		t.Fatal("connection still open after pre-auth event")
	}
	if env.store.messageCount() != 0 {
		t.Fatal("pre-auth send was persisted")
	}
}

func TestPersistenceFailurePreventsBroadcast(t *testing.T) {
	env := setupEnv(t, nil)
	env.store.failCreate = true

	a := dial(t, env.server)
	b := dial(t, env.server)
	a.authStaff("alice")
	b.authStaff("bob")
	a.joinCase("c1")
	b.joinCase("c1")

	a.send(types.NewEnvelope(types.EventSend, types.SendPayload{CaseID: "c1", Body: "ghost"}))

	// The sender learns about the failure; nobody sees a ghost message.
	errEnv := a.expect(types.EventError)
	if code := errorCode(t, errEnv); code != types.CodePersistenceFailure {
		t.Fatalf("expected persistence_failure, got %s", code)
	}
	b.expectSilence(300 * time.Millisecond)

	// The failure is per-event: the connection survives and works once
	// persistence recovers.
	env.store.mu.Lock()
	env.store.failCreate = false
	env.store.mu.Unlock()

	a.send(types.NewEnvelope(types.EventSend, types.SendPayload{CaseID: "c1", Body: "real"}))
	a.expect(types.EventMessageNew)
	b.expect(types.EventMessageNew)
}

func TestMarkReadBroadcastsAndStaysIdempotent(t *testing.T) {
	env := setupEnv(t, nil)

	a := dial(t, env.server)
	b := dial(t, env.server)
	a.authStaff("alice")
	b.authStaff("bob")
	a.joinCase("c1")
	b.joinCase("c1")

	a.send(types.NewEnvelope(types.EventSend, types.SendPayload{CaseID: "c1", Body: "hello"}))
	got := b.expect(types.EventMessageNew)
	var msg types.Message
	if err := json.Unmarshal(got.Payload, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}

	for i := 0; i < 2; i++ {
		b.send(types.NewEnvelope(types.EventMarkRead, types.MarkReadPayload{
			CaseID: "c1", MessageID: msg.ID,
		}))
		read := a.expect(types.EventMessageRead)
		var payload types.ReadPayload
		if err := json.Unmarshal(read.Payload, &payload); err != nil {
			t.Fatalf("decode read payload: %v", err)
		}
		if payload.MessageID != msg.ID || payload.RecipientID != "bob" {
			t.Fatalf("unexpected read payload: %+v", payload)
		}
	}

	// Sender receipt plus exactly one receipt for bob despite the repeat.
	if env.store.receiptCount(msg.ID) != 2 {
		t.Fatalf("expected 2 receipts (sender + bob), got %d", env.store.receiptCount(msg.ID))
	}
}

func TestRelayFailureDoesNotAffectLocalDelivery(t *testing.T) {
	env := setupEnv(t, nil)
	env.relay.fail = true

	a := dial(t, env.server)
	b := dial(t, env.server)
	a.authStaff("alice")
	b.authStaff("bob")
	a.joinCase("c1")
	b.joinCase("c1")

	a.send(types.NewEnvelope(types.EventSend, types.SendPayload{CaseID: "c1", Body: "hello"}))

	// Same-process peers still receive the message; no error reaches the
	// sender because local delivery is the primary guarantee.
	a.expect(types.EventMessageNew)
	b.expect(types.EventMessageNew)
	a.expectSilence(200 * time.Millisecond)
}

func TestRelayPublishedAfterLocalBroadcast(t *testing.T) {
	env := setupEnv(t, nil)

	a := dial(t, env.server)
	a.authStaff("alice")
	a.joinCase("c1")
	a.send(types.NewEnvelope(types.EventSend, types.SendPayload{CaseID: "c1", Body: "hello"}))
	a.expect(types.EventMessageNew)

	// Relay publish is asynchronous; poll briefly.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		env.relay.mu.Lock()
		n := len(env.relay.published)
		env.relay.mu.Unlock()
		if n == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("relay publish never happened")
}

func TestDeliverRemoteReachesLocalRoom(t *testing.T) {
	env := setupEnv(t, nil)

	a := dial(t, env.server)
	a.authStaff("alice")
	a.joinCase("c1")

	var changes []types.ChangeEvent
	var mu sync.Mutex
	env.hub.OnChange(func(ev types.ChangeEvent) {
		mu.Lock()
		changes = append(changes, ev)
		mu.Unlock()
	})

	remote := types.NewEnvelope(types.EventMessageNew, &types.Message{
		ID: "remote-1", CaseID: "c1", Body: "from sibling", SenderClass: types.SenderStaffAssignee,
	})
	env.hub.DeliverRemote("c1", remote)

	got := a.expect(types.EventMessageNew)
	var msg types.Message
	if err := json.Unmarshal(got.Payload, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.ID != "remote-1" {
		t.Fatalf("unexpected remote message: %+v", msg)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(changes) != 1 || changes[0].CaseID != "c1" || changes[0].Type != types.EventMessageNew {
		t.Fatalf("change listener not notified for remote event: %v", changes)
	}
}

func TestHistoryReplayOnJoin(t *testing.T) {
	env := setupEnv(t, nil)

	a := dial(t, env.server)
	a.authStaff("alice")
	a.joinCase("c1")
	a.send(types.NewEnvelope(types.EventSend, types.SendPayload{CaseID: "c1", Body: "before"}))
	a.expect(types.EventMessageNew)

	// A later joiner reconciles by refetch: history arrives as
	// message:new right after the join ack.
	late := dial(t, env.server)
	late.authStaff("bob")
	late.joinCase("c1")
	got := late.expect(types.EventMessageNew)
	var msg types.Message
	if err := json.Unmarshal(got.Payload, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Body != "before" {
		t.Fatalf("expected replayed history, got %+v", msg)
	}
}

func TestExpiryCheckedAtAuthOnly(t *testing.T) {
	soon := time.Now().Add(150 * time.Millisecond)
	env := setupEnv(t, map[string]*types.AccessLink{
		auth.HashToken("tok-short"): {ID: "l1", CaseID: "c1", ExpiresAt: &soon},
	})

	c := dial(t, env.server)
	c.send(types.NewEnvelope(types.EventAuth, types.AuthPayload{
		Kind: types.PrincipalClient, Token: "tok-short",
	}))
	c.expect(types.EventJoinedCase)

	// The link expires mid-session; the accepted staleness window means
	// the established connection keeps working until disconnect.
	time.Sleep(200 * time.Millisecond)
	c.send(types.NewEnvelope(types.EventSend, types.SendPayload{Body: "late but fine"}))
	c.expect(types.EventMessageNew)

	// A fresh connection with the now-expired link is rejected.
	fresh := dial(t, env.server)
	fresh.send(types.NewEnvelope(types.EventAuth, types.AuthPayload{
		Kind: types.PrincipalClient, Token: "tok-short",
	}))
	errEnv := fresh.expect(types.EventError)
	if code := errorCode(t, errEnv); code != types.CodeLinkExpired {
		t.Fatalf("expected link_expired, got %s", code)
	}
}

func TestUnknownEventTypeReported(t *testing.T) {
	env := setupEnv(t, nil)

	c := dial(t, env.server)
	c.authStaff("alice")
	c.send(types.Envelope{Type: "mystery", Payload: json.RawMessage(`{}`)})

	errEnv := c.expect(types.EventError)
	if code := errorCode(t, errEnv); code != types.CodeBadRequest {
		t.Fatalf("expected bad_request, got %s", code)
	}

	// The connection survives a malformed event.
	c.joinCase("c1")
}
