// Package dispatch is the routing and state engine. For each inbound
// frame it looks up a handler by msgId and executes it; chat frames run
// the routing decision tree: deliver locally, publish across the bus,
// or persist as an offline message.
package dispatch

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/clusterchat/chatd/internal/monitoring"
	"github.com/clusterchat/chatd/internal/protocol"
	"github.com/clusterchat/chatd/internal/registry"
	"github.com/clusterchat/chatd/internal/types"
)

// Store is the persistence surface the dispatcher routes through.
// Implemented by internal/store; tests use an in-memory fake.
type Store interface {
	InsertUser(name, password string) (int, error)
	QueryUser(id int) (types.User, error)
	UpdateUserState(id int, state string)
	ResetAllOnlineToOffline()
	InsertFriend(userid, friendid int)
	QueryFriends(userid int) []types.User
	CreateGroup(name, desc string) (int, error)
	AddGroupMember(groupid, userid int, role string)
	QueryGroupsOfUser(userid int) []types.Group
	QueryGroupPeers(userid, groupid int) []int
	InsertOffline(userid int, payload string)
	QueryOffline(userid int) []string
	DeleteOffline(userid int)
}

// Bus is the cross-node pub/sub surface. Implemented by internal/bus;
// tests use an in-memory fake shared between two dispatchers.
type Bus interface {
	SetOnMessage(h func(channel int, payload []byte))
	Subscribe(channel int) error
	Unsubscribe(channel int) error
	Publish(channel int, payload []byte) bool
}

type handlerFunc func(conn registry.Conn, frame []byte, ts time.Time)

// Dispatcher owns the msgId handler table and drives the routing
// decision tree. One instance per process; constructed at startup and
// passed to the transport by reference.
type Dispatcher struct {
	reg      *registry.Registry
	store    Store
	bus      Bus
	logger   zerolog.Logger
	handlers map[int]handlerFunc
}

// New wires the dispatcher to its collaborators and registers itself as
// the bus message handler.
func New(reg *registry.Registry, store Store, bus Bus, logger zerolog.Logger) *Dispatcher {
	d := &Dispatcher{
		reg:    reg,
		store:  store,
		bus:    bus,
		logger: logger.With().Str("component", "dispatch").Logger(),
	}
	d.handlers = map[int]handlerFunc{
		protocol.MsgLogin:       d.login,
		protocol.MsgRegister:    d.register,
		protocol.MsgLogout:      d.logout,
		protocol.MsgOneChat:     d.oneChat,
		protocol.MsgGroupChat:   d.groupChat,
		protocol.MsgAddFriend:   d.addFriend,
		protocol.MsgCreateGroup: d.createGroup,
		protocol.MsgAddGroup:    d.addGroup,
	}
	bus.SetOnMessage(d.onBusMessage)
	return d
}

// Handle decodes the msgId of one inbound frame and executes the
// matching handler. Protocol errors (malformed JSON, unknown msgId) are
// logged and dropped without a reply.
func (d *Dispatcher) Handle(conn registry.Conn, frame []byte, ts time.Time) {
	msgID, err := protocol.PeekMsgID(frame)
	if err != nil {
		d.logger.Warn().Err(err).Msg("Dropping malformed frame")
		return
	}
	handler, ok := d.handlers[msgID]
	if !ok {
		d.logger.Error().Int("msgId", msgID).Msg("No handler for msgId")
		return
	}
	handler(conn, frame, ts)
}

// HandleDisconnect applies logout side effects for a connection that
// died without an explicit logout: sweep the registry by identity,
// release the bus channel, mark the user offline.
func (d *Dispatcher) HandleDisconnect(conn registry.Conn) {
	userid, ok := d.reg.UnbindByConn(conn)
	if !ok {
		return
	}
	monitoring.UsersOnline.Set(float64(d.reg.Count()))
	if err := d.bus.Unsubscribe(userid); err != nil {
		d.logger.Warn().Err(err).Int("userid", userid).Msg("Unsubscribe on disconnect failed")
	}
	d.store.UpdateUserState(userid, types.StateOffline)
	d.logger.Info().Int("userid", userid).Msg("User disconnected")
}

// login implements msgId=1.
//
// Decision tree: unknown id → errno 1; wrong password → errno 3;
// already online anywhere in the cluster → errno 2 with no state
// change; otherwise bind, subscribe, mark online and send the full ack
// (friends, groups, drained offline messages).
func (d *Dispatcher) login(conn registry.Conn, frame []byte, _ time.Time) {
	var req protocol.LoginReq
	if err := json.Unmarshal(frame, &req); err != nil {
		d.logger.Warn().Err(err).Msg("Dropping malformed login frame")
		return
	}

	user, err := d.store.QueryUser(req.ID)
	if err != nil {
		monitoring.Logins.WithLabelValues("unknown_id").Inc()
		conn.Send(protocol.LoginError(protocol.ErrnoUnknownID, "this account is invalid!"))
		return
	}
	if user.Password != req.Password {
		monitoring.Logins.WithLabelValues("wrong_password").Inc()
		conn.Send(protocol.LoginError(protocol.ErrnoWrongPassword, "Wrong Password!"))
		return
	}
	if user.State == types.StateOnline {
		// Duplicate login: refuse without touching registry, bus or
		// store state. The existing session stays authoritative.
		monitoring.Logins.WithLabelValues("in_use").Inc()
		conn.Send(protocol.LoginError(protocol.ErrnoAlreadyOnline, "this account is using, input another!"))
		return
	}

	d.reg.Bind(user.ID, conn)
	monitoring.UsersOnline.Set(float64(d.reg.Count()))
	if err := d.bus.Subscribe(user.ID); err != nil {
		d.logger.Warn().Err(err).Int("userid", user.ID).Msg("Bus subscribe failed; cross-node delivery degraded")
	}
	d.store.UpdateUserState(user.ID, types.StateOnline)

	friends := d.store.QueryFriends(user.ID)
	groups := d.store.QueryGroupsOfUser(user.ID)

	// Offline drain: read before delete, delete only after a
	// successful read. A crash between the two re-delivers next login.
	offline := d.store.QueryOffline(user.ID)
	if len(offline) > 0 {
		d.store.DeleteOffline(user.ID)
	}

	monitoring.Logins.WithLabelValues("ok").Inc()
	d.logger.Info().Int("userid", user.ID).Str("name", user.Name).Msg("User logged in")
	conn.Send(protocol.LoginOK(user, friends, groups, offline))
}

// register implements msgId=3. Registration does not log the user in.
func (d *Dispatcher) register(conn registry.Conn, frame []byte, _ time.Time) {
	var req protocol.RegisterReq
	if err := json.Unmarshal(frame, &req); err != nil {
		d.logger.Warn().Err(err).Msg("Dropping malformed register frame")
		return
	}

	id, err := d.store.InsertUser(req.Name, req.Password)
	if err != nil {
		conn.Send(protocol.RegisterFailed())
		return
	}
	d.logger.Info().Int("userid", id).Str("name", req.Name).Msg("User registered")
	conn.Send(protocol.RegisterOK(id))
}

// logout implements msgId=2. No reply.
func (d *Dispatcher) logout(_ registry.Conn, frame []byte, _ time.Time) {
	var req protocol.LogoutReq
	if err := json.Unmarshal(frame, &req); err != nil {
		d.logger.Warn().Err(err).Msg("Dropping malformed logout frame")
		return
	}

	d.reg.Unbind(req.ID)
	monitoring.UsersOnline.Set(float64(d.reg.Count()))
	if err := d.bus.Unsubscribe(req.ID); err != nil {
		d.logger.Warn().Err(err).Int("userid", req.ID).Msg("Unsubscribe on logout failed")
	}
	d.store.UpdateUserState(req.ID, types.StateOffline)
	d.logger.Info().Int("userid", req.ID).Msg("User logged out")
}

// oneChat implements msgId=5. The frame is forwarded verbatim.
//
// Routing, in order: local connection → send; recipient online
// elsewhere per the store → publish on its channel; otherwise persist
// offline. The recipient can log out between the checks; the bus branch
// on the receiving node resolves that race by falling back to an
// offline insert.
func (d *Dispatcher) oneChat(_ registry.Conn, frame []byte, _ time.Time) {
	var req protocol.OneChatReq
	if err := json.Unmarshal(frame, &req); err != nil {
		d.logger.Warn().Err(err).Msg("Dropping malformed chat frame")
		return
	}

	if peer, ok := d.reg.Lookup(req.ToID); ok {
		peer.Send(frame)
		monitoring.MessagesRouted.WithLabelValues(monitoring.RouteLocal).Inc()
		return
	}

	user, err := d.store.QueryUser(req.ToID)
	if err == nil && user.State == types.StateOnline {
		if d.bus.Publish(req.ToID, frame) {
			monitoring.MessagesRouted.WithLabelValues(monitoring.RoutePublish).Inc()
		}
		return
	}

	d.store.InsertOffline(req.ToID, string(frame))
	monitoring.MessagesRouted.WithLabelValues(monitoring.RouteOffline).Inc()
}

// groupChat implements msgId=8. Local members get the frame under one
// registry lock acquisition; members without a local connection are
// returned by the registry and routed after the lock is released, so no
// store or bus call ever runs under it. The sender is excluded by the
// peer query.
func (d *Dispatcher) groupChat(_ registry.Conn, frame []byte, _ time.Time) {
	var req protocol.GroupChatReq
	if err := json.Unmarshal(frame, &req); err != nil {
		d.logger.Warn().Err(err).Msg("Dropping malformed group chat frame")
		return
	}

	peers := d.store.QueryGroupPeers(req.ID, req.GroupID)
	missing := d.reg.ForEachSend(peers, frame)
	if n := len(peers) - len(missing); n > 0 {
		monitoring.MessagesRouted.WithLabelValues(monitoring.RouteLocal).Add(float64(n))
	}

	for _, id := range missing {
		user, err := d.store.QueryUser(id)
		if err == nil && user.State == types.StateOnline {
			if d.bus.Publish(id, frame) {
				monitoring.MessagesRouted.WithLabelValues(monitoring.RoutePublish).Inc()
			}
			continue
		}
		d.store.InsertOffline(id, string(frame))
		monitoring.MessagesRouted.WithLabelValues(monitoring.RouteOffline).Inc()
	}
}

// addFriend implements msgId=6. One directed row; no reply.
func (d *Dispatcher) addFriend(_ registry.Conn, frame []byte, _ time.Time) {
	var req protocol.AddFriendReq
	if err := json.Unmarshal(frame, &req); err != nil {
		d.logger.Warn().Err(err).Msg("Dropping malformed add-friend frame")
		return
	}
	d.store.InsertFriend(req.ID, req.FriendID)
}

// createGroup implements msgId=7. The creator joins its own group with
// the creator role; no reply.
func (d *Dispatcher) createGroup(_ registry.Conn, frame []byte, _ time.Time) {
	var req protocol.CreateGroupReq
	if err := json.Unmarshal(frame, &req); err != nil {
		d.logger.Warn().Err(err).Msg("Dropping malformed create-group frame")
		return
	}
	gid, err := d.store.CreateGroup(req.GroupName, req.GroupDesc)
	if err != nil {
		return
	}
	d.store.AddGroupMember(gid, req.ID, types.RoleCreator)
	d.logger.Info().Int("groupid", gid).Int("creator", req.ID).Str("name", req.GroupName).Msg("Group created")
}

// addGroup implements msgId=9. No reply.
func (d *Dispatcher) addGroup(_ registry.Conn, frame []byte, _ time.Time) {
	var req protocol.AddGroupReq
	if err := json.Unmarshal(frame, &req); err != nil {
		d.logger.Warn().Err(err).Msg("Dropping malformed add-group frame")
		return
	}
	d.store.AddGroupMember(req.GroupID, req.ID, types.RoleNormal)
}

// onBusMessage handles a frame delivered on a subscribed channel: the
// target user was logged in here when the frame was published. If it
// logged out in the meantime, persist the frame offline — this is the
// cross-node half of the send/logout race.
func (d *Dispatcher) onBusMessage(channel int, payload []byte) {
	if conn, ok := d.reg.Lookup(channel); ok {
		conn.Send(payload)
		monitoring.MessagesRouted.WithLabelValues(monitoring.RouteLocal).Inc()
		return
	}
	d.store.InsertOffline(channel, string(payload))
	monitoring.MessagesRouted.WithLabelValues(monitoring.RouteOffline).Inc()
}
