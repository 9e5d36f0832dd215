// Package protocol defines the JSON wire schema shared with the line
// client. One JSON object per frame; every frame carries an integer
// msgId. The numeric values and the nested stringified arrays in the
// login ack are fixed — the deployed client parses them exactly as
// they are, so none of this is negotiable.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/clusterchat/chatd/internal/types"
)

// Message ids. The client depends on these exact values.
const (
	MsgLogin       = 1  // C→S {id, password}
	MsgLoginAck    = 2  // S→C login response
	MsgRegister    = 3  // C→S {name, password}
	MsgRegisterAck = 4  // S→C register response
	MsgOneChat     = 5  // C→S and S→C one-to-one chat
	MsgAddFriend   = 6  // C→S {id, friendid}
	MsgCreateGroup = 7  // C→S {id, groupname, groupdesc}
	MsgGroupChat   = 8  // C→S and S→C group chat
	MsgAddGroup    = 9  // C→S {id, groupid}
	MsgLogout      = 10 // C→S {id}
)

// Login ack errno values.
const (
	ErrnoOK            = 0
	ErrnoUnknownID     = 1
	ErrnoAlreadyOnline = 2
	ErrnoWrongPassword = 3
)

// PeekMsgID extracts the msgId of a raw frame without decoding the rest.
func PeekMsgID(frame []byte) (int, error) {
	var head struct {
		MsgID *int `json:"msgId"`
	}
	if err := json.Unmarshal(frame, &head); err != nil {
		return 0, fmt.Errorf("malformed frame: %w", err)
	}
	if head.MsgID == nil {
		return 0, fmt.Errorf("frame has no msgId")
	}
	return *head.MsgID, nil
}

type LoginReq struct {
	ID       int    `json:"id"`
	Password string `json:"password"`
}

type RegisterReq struct {
	Name     string `json:"name"`
	Password string `json:"password"`
}

type LogoutReq struct {
	ID int `json:"id"`
}

type OneChatReq struct {
	MsgID int    `json:"msgId"`
	ID    int    `json:"id"`
	Name  string `json:"name"`
	ToID  int    `json:"toid"`
	Msg   string `json:"msg"`
	Time  string `json:"time"`
}

type AddFriendReq struct {
	ID       int `json:"id"`
	FriendID int `json:"friendid"`
}

type CreateGroupReq struct {
	ID        int    `json:"id"`
	GroupName string `json:"groupname"`
	GroupDesc string `json:"groupdesc"`
}

type GroupChatReq struct {
	MsgID   int    `json:"msgId"`
	ID      int    `json:"id"`
	GroupID int    `json:"groupid"`
	Name    string `json:"name"`
	Msg     string `json:"msg"`
	Time    string `json:"time"`
}

type AddGroupReq struct {
	ID      int `json:"id"`
	GroupID int `json:"groupid"`
}

type loginAck struct {
	MsgID      int      `json:"msgId"`
	Errno      int      `json:"errno"`
	Errmsg     string   `json:"errmsg,omitempty"`
	ID         int      `json:"id,omitempty"`
	Name       string   `json:"name,omitempty"`
	Friends    []string `json:"friends,omitempty"`
	Groups     []string `json:"groups,omitempty"`
	OfflineMsg []string `json:"offlinemsg,omitempty"`
}

type registerAck struct {
	MsgID int `json:"msgId"`
	Errno int `json:"errno"`
	ID    int `json:"id,omitempty"`
}

// LoginError builds a failed login ack with the given errno and message.
func LoginError(errno int, errmsg string) []byte {
	b, _ := json.Marshal(loginAck{MsgID: MsgLoginAck, Errno: errno, Errmsg: errmsg})
	return b
}

// LoginOK builds a successful login ack. The friend list, group list and
// offline messages are encoded as arrays of stringified JSON objects;
// empty lists are omitted entirely. Both quirks match the deployed
// client's parser.
func LoginOK(user types.User, friends []types.User, groups []types.Group, offline []string) []byte {
	ack := loginAck{
		MsgID: MsgLoginAck,
		Errno: ErrnoOK,
		ID:    user.ID,
		Name:  user.Name,
	}
	for _, f := range friends {
		s, _ := json.Marshal(struct {
			ID    int    `json:"id"`
			Name  string `json:"name"`
			State string `json:"state"`
		}{f.ID, f.Name, f.State})
		ack.Friends = append(ack.Friends, string(s))
	}
	for _, g := range groups {
		var users []string
		for _, m := range g.Members {
			s, _ := json.Marshal(struct {
				ID    int    `json:"id"`
				Name  string `json:"name"`
				State string `json:"state"`
				Role  string `json:"role"`
			}{m.ID, m.Name, m.State, m.Role})
			users = append(users, string(s))
		}
		s, _ := json.Marshal(struct {
			ID        int      `json:"id"`
			GroupName string   `json:"groupname"`
			GroupDesc string   `json:"groupdesc"`
			Users     []string `json:"users"`
		}{g.ID, g.Name, g.Desc, users})
		ack.Groups = append(ack.Groups, string(s))
	}
	ack.OfflineMsg = offline

	b, _ := json.Marshal(ack)
	return b
}

// RegisterOK builds a successful register ack carrying the new user id.
func RegisterOK(id int) []byte {
	b, _ := json.Marshal(registerAck{MsgID: MsgRegisterAck, Errno: ErrnoOK, ID: id})
	return b
}

// RegisterFailed builds the register ack for a name collision.
func RegisterFailed() []byte {
	b, _ := json.Marshal(registerAck{MsgID: MsgRegisterAck, Errno: 1})
	return b
}
