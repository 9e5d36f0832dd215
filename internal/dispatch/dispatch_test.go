package dispatch

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/clusterchat/chatd/internal/protocol"
	"github.com/clusterchat/chatd/internal/registry"
	"github.com/clusterchat/chatd/internal/types"
)

// fakeConn records every frame sent to it.
type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
}

func (c *fakeConn) Send(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, payload)
	return true
}

func (c *fakeConn) received() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.frames))
	copy(out, c.frames)
	return out
}

func (c *fakeConn) lastFrame(t *testing.T) []byte {
	t.Helper()
	frames := c.received()
	if len(frames) == 0 {
		t.Fatal("no frame received")
	}
	return frames[len(frames)-1]
}

// fakeStore is a shared in-memory Store; both nodes in the cluster
// scenarios use the same instance.
type fakeStore struct {
	mu      sync.Mutex
	nextID  int
	users   map[int]types.User
	friends map[int][]int
	groups  map[int]types.Group
	members map[int]map[int]string // groupid → userid → role
	offline map[int][]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		nextID:  1,
		users:   make(map[int]types.User),
		friends: make(map[int][]int),
		groups:  make(map[int]types.Group),
		members: make(map[int]map[int]string),
		offline: make(map[int][]string),
	}
}

func (s *fakeStore) InsertUser(name, password string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Name == name {
			return 0, fmt.Errorf("name in use")
		}
	}
	id := s.nextID
	s.nextID++
	s.users[id] = types.User{ID: id, Name: name, Password: password, State: types.StateOffline}
	return id, nil
}

func (s *fakeStore) QueryUser(id int) (types.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return types.User{}, fmt.Errorf("not found")
	}
	return u, nil
}

func (s *fakeStore) UpdateUserState(id int, state string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[id]; ok {
		u.State = state
		s.users[id] = u
	}
}

func (s *fakeStore) ResetAllOnlineToOffline() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, u := range s.users {
		if u.State == types.StateOnline {
			u.State = types.StateOffline
			s.users[id] = u
		}
	}
}

func (s *fakeStore) InsertFriend(userid, friendid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.friends[userid] = append(s.friends[userid], friendid)
}

func (s *fakeStore) QueryFriends(userid int) []types.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.User
	for _, fid := range s.friends[userid] {
		if u, ok := s.users[fid]; ok {
			out = append(out, types.User{ID: u.ID, Name: u.Name, State: u.State})
		}
	}
	return out
}

func (s *fakeStore) CreateGroup(name, desc string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.groups[id] = types.Group{ID: id, Name: name, Desc: desc}
	s.members[id] = make(map[int]string)
	return id, nil
}

func (s *fakeStore) AddGroupMember(groupid, userid int, role string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.members[groupid]; ok {
		m[userid] = role
	}
}

func (s *fakeStore) QueryGroupsOfUser(userid int) []types.Group {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Group
	for gid, m := range s.members {
		if _, ok := m[userid]; !ok {
			continue
		}
		g := s.groups[gid]
		for uid, role := range m {
			u := s.users[uid]
			g.Members = append(g.Members, types.Member{ID: u.ID, Name: u.Name, State: u.State, Role: role})
		}
		out = append(out, g)
	}
	return out
}

func (s *fakeStore) QueryGroupPeers(userid, groupid int) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int
	for uid := range s.members[groupid] {
		if uid != userid {
			out = append(out, uid)
		}
	}
	return out
}

func (s *fakeStore) InsertOffline(userid int, payload string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline[userid] = append(s.offline[userid], payload)
}

func (s *fakeStore) QueryOffline(userid int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.offline[userid]))
	copy(out, s.offline[userid])
	return out
}

func (s *fakeStore) DeleteOffline(userid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.offline, userid)
}

func (s *fakeStore) offlineCount(userid int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.offline[userid])
}

// busFabric is the shared broker; each node attaches one fakeBus.
type busFabric struct {
	mu   sync.Mutex
	subs map[int]*fakeBus // channel → subscribed node
}

func newBusFabric() *busFabric {
	return &busFabric{subs: make(map[int]*fakeBus)}
}

func (f *busFabric) subscribedNode(channel int) *fakeBus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[channel]
}

type fakeBus struct {
	fabric  *busFabric
	handler func(channel int, payload []byte)
}

func (f *busFabric) attach() *fakeBus {
	return &fakeBus{fabric: f}
}

func (b *fakeBus) SetOnMessage(h func(channel int, payload []byte)) {
	b.handler = h
}

func (b *fakeBus) Subscribe(channel int) error {
	b.fabric.mu.Lock()
	defer b.fabric.mu.Unlock()
	b.fabric.subs[channel] = b
	return nil
}

func (b *fakeBus) Unsubscribe(channel int) error {
	b.fabric.mu.Lock()
	defer b.fabric.mu.Unlock()
	if b.fabric.subs[channel] == b {
		delete(b.fabric.subs, channel)
	}
	return nil
}

func (b *fakeBus) Publish(channel int, payload []byte) bool {
	b.fabric.mu.Lock()
	sub := b.fabric.subs[channel]
	b.fabric.mu.Unlock()
	if sub != nil && sub.handler != nil {
		sub.handler(channel, payload)
	}
	return true
}

// cluster wires two dispatcher nodes over one store and one fabric.
type cluster struct {
	store  *fakeStore
	fabric *busFabric
	s1, s2 *Dispatcher
}

func newCluster() *cluster {
	st := newFakeStore()
	fabric := newBusFabric()
	logger := zerolog.Nop()
	return &cluster{
		store:  st,
		fabric: fabric,
		s1:     New(registry.New(), st, fabric.attach(), logger),
		s2:     New(registry.New(), st, fabric.attach(), logger),
	}
}

func frame(t *testing.T, fields map[string]any) []byte {
	t.Helper()
	b, err := json.Marshal(fields)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

type loginAck struct {
	MsgID      int      `json:"msgId"`
	Errno      int      `json:"errno"`
	ID         int      `json:"id"`
	Name       string   `json:"name"`
	Friends    []string `json:"friends"`
	Groups     []string `json:"groups"`
	OfflineMsg []string `json:"offlinemsg"`
}

func decodeLoginAck(t *testing.T, raw []byte) loginAck {
	t.Helper()
	var ack loginAck
	if err := json.Unmarshal(raw, &ack); err != nil {
		t.Fatalf("bad login ack %s: %v", raw, err)
	}
	if ack.MsgID != protocol.MsgLoginAck {
		t.Fatalf("expected login ack, got msgId %d", ack.MsgID)
	}
	return ack
}

// register creates a user on node d and returns its id.
func (c *cluster) register(t *testing.T, d *Dispatcher, name string) int {
	t.Helper()
	conn := &fakeConn{}
	d.Handle(conn, frame(t, map[string]any{
		"msgId": protocol.MsgRegister, "name": name, "password": "pw",
	}), time.Now())

	var ack struct {
		MsgID int `json:"msgId"`
		Errno int `json:"errno"`
		ID    int `json:"id"`
	}
	if err := json.Unmarshal(conn.lastFrame(t), &ack); err != nil {
		t.Fatal(err)
	}
	if ack.MsgID != protocol.MsgRegisterAck || ack.Errno != 0 {
		t.Fatalf("register failed: %+v", ack)
	}
	return ack.ID
}

// login logs id in on node d and returns the connection and the ack.
func (c *cluster) login(t *testing.T, d *Dispatcher, id int) (*fakeConn, loginAck) {
	t.Helper()
	conn := &fakeConn{}
	d.Handle(conn, frame(t, map[string]any{
		"msgId": protocol.MsgLogin, "id": id, "password": "pw",
	}), time.Now())
	return conn, decodeLoginAck(t, conn.lastFrame(t))
}

func oneChat(t *testing.T, d *Dispatcher, from int, fromName string, to int, msg string) []byte {
	t.Helper()
	f := frame(t, map[string]any{
		"msgId": protocol.MsgOneChat, "id": from, "name": fromName,
		"toid": to, "msg": msg, "time": "2026-01-01 00:00:00",
	})
	d.Handle(&fakeConn{}, f, time.Now())
	return f
}

func TestRegisterThenLoginRoundTrip(t *testing.T) {
	c := newCluster()
	id := c.register(t, c.s1, "alice")
	if id < 1 {
		t.Fatalf("expected id >= 1, got %d", id)
	}

	_, ack := c.login(t, c.s1, id)
	if ack.Errno != 0 {
		t.Fatalf("expected successful login, got errno %d", ack.Errno)
	}
	if ack.ID != id || ack.Name != "alice" {
		t.Fatalf("ack identity mismatch: %+v", ack)
	}

	u, err := c.store.QueryUser(id)
	if err != nil || u.State != types.StateOnline {
		t.Fatalf("expected online state after login, got %+v err %v", u, err)
	}
}

func TestRegisterDuplicateName(t *testing.T) {
	c := newCluster()
	c.register(t, c.s1, "alice")

	conn := &fakeConn{}
	c.s1.Handle(conn, frame(t, map[string]any{
		"msgId": protocol.MsgRegister, "name": "alice", "password": "other",
	}), time.Now())

	var ack struct {
		Errno int `json:"errno"`
		ID    int `json:"id"`
	}
	if err := json.Unmarshal(conn.lastFrame(t), &ack); err != nil {
		t.Fatal(err)
	}
	if ack.Errno != 1 || ack.ID != 0 {
		t.Fatalf("expected errno 1 without id, got %+v", ack)
	}
}

func TestLoginErrors(t *testing.T) {
	c := newCluster()
	id := c.register(t, c.s1, "alice")

	tests := []struct {
		name      string
		id        int
		password  string
		wantErrno int
	}{
		{"unknown id", 9999, "pw", protocol.ErrnoUnknownID},
		{"wrong password", id, "nope", protocol.ErrnoWrongPassword},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := &fakeConn{}
			c.s1.Handle(conn, frame(t, map[string]any{
				"msgId": protocol.MsgLogin, "id": tt.id, "password": tt.password,
			}), time.Now())
			ack := decodeLoginAck(t, conn.lastFrame(t))
			if ack.Errno != tt.wantErrno {
				t.Fatalf("expected errno %d, got %d", tt.wantErrno, ack.Errno)
			}
		})
	}
}

func TestLocalDelivery(t *testing.T) {
	c := newCluster()
	alice := c.register(t, c.s1, "alice")
	bob := c.register(t, c.s1, "bob")
	c.login(t, c.s1, alice)
	bobConn, _ := c.login(t, c.s1, bob)

	sent := oneChat(t, c.s1, alice, "alice", bob, "hi")

	frames := bobConn.received()
	// frames[0] is bob's login ack
	if len(frames) != 2 {
		t.Fatalf("expected exactly one chat frame, got %d frames", len(frames)-1)
	}
	if string(frames[1]) != string(sent) {
		t.Fatalf("frame not delivered verbatim: got %s want %s", frames[1], sent)
	}
	if c.store.offlineCount(bob) != 0 {
		t.Fatal("no offline row expected for local delivery")
	}
}

func TestCrossNodeDelivery(t *testing.T) {
	c := newCluster()
	alice := c.register(t, c.s1, "alice")
	bob := c.register(t, c.s1, "bob")
	c.login(t, c.s1, alice)
	bobConn, _ := c.login(t, c.s2, bob)

	sent := oneChat(t, c.s1, alice, "alice", bob, "hello over there")

	frames := bobConn.received()
	if len(frames) != 2 {
		t.Fatalf("expected one chat frame via bus, got %d frames", len(frames)-1)
	}
	if string(frames[1]) != string(sent) {
		t.Fatalf("bus frame not verbatim: got %s", frames[1])
	}
	if c.store.offlineCount(bob) != 0 {
		t.Fatal("no offline row expected for cross-node delivery")
	}
}

func TestOfflinePersistenceAndDrain(t *testing.T) {
	c := newCluster()
	alice := c.register(t, c.s1, "alice")
	bob := c.register(t, c.s1, "bob")
	c.login(t, c.s1, alice)

	sent := oneChat(t, c.s1, alice, "alice", bob, "read this later")

	if got := c.store.offlineCount(bob); got != 1 {
		t.Fatalf("expected 1 offline row, got %d", got)
	}

	_, ack := c.login(t, c.s1, bob)
	if len(ack.OfflineMsg) != 1 || ack.OfflineMsg[0] != string(sent) {
		t.Fatalf("expected offline message in ack, got %v", ack.OfflineMsg)
	}
	if got := c.store.offlineCount(bob); got != 0 {
		t.Fatalf("offline rows should be drained, got %d", got)
	}

	// A later login must not see the message again.
	c.s1.Handle(&fakeConn{}, frame(t, map[string]any{"msgId": protocol.MsgLogout, "id": bob}), time.Now())
	_, ack2 := c.login(t, c.s1, bob)
	if len(ack2.OfflineMsg) != 0 {
		t.Fatalf("offline message delivered twice: %v", ack2.OfflineMsg)
	}
}

func TestDuplicateLoginRefused(t *testing.T) {
	c := newCluster()
	alice := c.register(t, c.s1, "alice")
	c.login(t, c.s1, alice)

	node1 := c.fabric.subscribedNode(alice)

	_, ack := c.login(t, c.s2, alice)
	if ack.Errno != protocol.ErrnoAlreadyOnline {
		t.Fatalf("expected errno %d, got %d", protocol.ErrnoAlreadyOnline, ack.Errno)
	}
	if c.fabric.subscribedNode(alice) != node1 {
		t.Fatal("refused login must not move the bus subscription")
	}
	u, _ := c.store.QueryUser(alice)
	if u.State != types.StateOnline {
		t.Fatal("refused login must not mutate state")
	}
}

func TestGroupFanoutMixed(t *testing.T) {
	c := newCluster()
	alice := c.register(t, c.s1, "alice")
	bob := c.register(t, c.s1, "bob")
	carol := c.register(t, c.s1, "carol")

	aliceConn, _ := c.login(t, c.s1, alice)
	bobConn, _ := c.login(t, c.s2, bob)

	c.s1.Handle(aliceConn, frame(t, map[string]any{
		"msgId": protocol.MsgCreateGroup, "id": alice,
		"groupname": "g", "groupdesc": "d",
	}), time.Now())

	groups := c.store.QueryGroupsOfUser(alice)
	if len(groups) != 1 {
		t.Fatalf("expected 1 group, got %d", len(groups))
	}
	gid := groups[0].ID
	foundCreator := false
	for _, m := range groups[0].Members {
		if m.ID == alice && m.Role == types.RoleCreator {
			foundCreator = true
		}
	}
	if !foundCreator {
		t.Fatal("creator must be a member with the creator role")
	}

	for _, id := range []int{bob, carol} {
		c.s1.Handle(&fakeConn{}, frame(t, map[string]any{
			"msgId": protocol.MsgAddGroup, "id": id, "groupid": gid,
		}), time.Now())
	}

	sent := frame(t, map[string]any{
		"msgId": protocol.MsgGroupChat, "id": alice, "groupid": gid,
		"name": "alice", "msg": "hi all", "time": "2026-01-01 00:00:00",
	})
	aliceBefore := len(aliceConn.received())
	c.s1.Handle(aliceConn, sent, time.Now())

	bobFrames := bobConn.received()
	if len(bobFrames) != 2 || string(bobFrames[1]) != string(sent) {
		t.Fatalf("bob should receive the group frame via bus, got %d frames", len(bobFrames)-1)
	}
	if c.store.offlineCount(carol) != 1 {
		t.Fatalf("carol should accrue one offline row, got %d", c.store.offlineCount(carol))
	}
	if len(aliceConn.received()) != aliceBefore {
		t.Fatal("sender must not receive its own group message")
	}
}

func TestBusRaceFallsBackToOffline(t *testing.T) {
	c := newCluster()
	alice := c.register(t, c.s1, "alice")
	bob := c.register(t, c.s1, "bob")
	c.login(t, c.s1, alice)
	c.login(t, c.s2, bob)

	// Bob drops off S2's registry after the store still says online:
	// the bus branch on S2 must persist the frame offline.
	c.s2.reg.Unbind(bob)

	oneChat(t, c.s1, alice, "alice", bob, "raced")
	if got := c.store.offlineCount(bob); got != 1 {
		t.Fatalf("expected offline fallback on race loss, got %d rows", got)
	}
}

func TestDisconnectAppliesLogoutSideEffects(t *testing.T) {
	c := newCluster()
	alice := c.register(t, c.s1, "alice")
	conn, _ := c.login(t, c.s1, alice)

	c.s1.HandleDisconnect(conn)

	u, _ := c.store.QueryUser(alice)
	if u.State != types.StateOffline {
		t.Fatalf("expected offline after disconnect, got %s", u.State)
	}
	if c.fabric.subscribedNode(alice) != nil {
		t.Fatal("disconnect must release the bus channel")
	}
	if _, ok := c.s1.reg.Lookup(alice); ok {
		t.Fatal("disconnect must unbind the registry entry")
	}

	// Disconnect of a never-logged-in connection is a no-op.
	c.s1.HandleDisconnect(&fakeConn{})
}

func TestLogout(t *testing.T) {
	c := newCluster()
	alice := c.register(t, c.s1, "alice")
	c.login(t, c.s1, alice)

	c.s1.Handle(&fakeConn{}, frame(t, map[string]any{
		"msgId": protocol.MsgLogout, "id": alice,
	}), time.Now())

	u, _ := c.store.QueryUser(alice)
	if u.State != types.StateOffline {
		t.Fatalf("expected offline after logout, got %s", u.State)
	}
	if c.fabric.subscribedNode(alice) != nil {
		t.Fatal("logout must unsubscribe the user channel")
	}
}

func TestAddFriendSingleDirection(t *testing.T) {
	c := newCluster()
	alice := c.register(t, c.s1, "alice")
	bob := c.register(t, c.s1, "bob")

	c.s1.Handle(&fakeConn{}, frame(t, map[string]any{
		"msgId": protocol.MsgAddFriend, "id": alice, "friendid": bob,
	}), time.Now())

	if got := c.store.QueryFriends(alice); len(got) != 1 || got[0].ID != bob {
		t.Fatalf("alice should have bob as friend, got %v", got)
	}
	if got := c.store.QueryFriends(bob); len(got) != 0 {
		t.Fatal("friendship is a single directed row")
	}

	// Friend list shows up in the next login ack.
	_, ack := c.login(t, c.s1, alice)
	if len(ack.Friends) != 1 {
		t.Fatalf("expected 1 friend in ack, got %v", ack.Friends)
	}
	var f struct {
		ID    int    `json:"id"`
		Name  string `json:"name"`
		State string `json:"state"`
	}
	if err := json.Unmarshal([]byte(ack.Friends[0]), &f); err != nil {
		t.Fatalf("friend entry is not stringified JSON: %v", err)
	}
	if f.ID != bob || f.Name != "bob" {
		t.Fatalf("unexpected friend entry: %+v", f)
	}
}

func TestCrashRecoveryReset(t *testing.T) {
	c := newCluster()
	alice := c.register(t, c.s1, "alice")
	c.login(t, c.s1, alice)

	// Process dies without clean shutdown: the registry is gone but
	// the row still says online. Boot-time reset repairs it.
	c.store.ResetAllOnlineToOffline()

	u, _ := c.store.QueryUser(alice)
	if u.State != types.StateOffline {
		t.Fatalf("expected offline after boot reset, got %s", u.State)
	}

	// And the user can log in again on a fresh node.
	st2 := New(registry.New(), c.store, c.fabric.attach(), zerolog.Nop())
	_, ack := c.login(t, st2, alice)
	if ack.Errno != 0 {
		t.Fatalf("login after crash recovery should succeed, got errno %d", ack.Errno)
	}
}

func TestUnknownAndMalformedFramesDropped(t *testing.T) {
	c := newCluster()
	conn := &fakeConn{}

	c.s1.Handle(conn, []byte(`{"msgId": 42}`), time.Now())
	c.s1.Handle(conn, []byte(`not json`), time.Now())
	c.s1.Handle(conn, []byte(`{"no": "msgId"}`), time.Now())

	if len(conn.received()) != 0 {
		t.Fatal("protocol errors must not produce replies")
	}
}
