package types

// User state values as persisted in the user table.
const (
	StateOnline  = "online"
	StateOffline = "offline"
)

// Group roles as persisted in the groupuser table.
const (
	RoleCreator = "creator"
	RoleNormal  = "normal"
)

// User is a row of the user table.
type User struct {
	ID       int    `db:"id" json:"id"`
	Name     string `db:"name" json:"name"`
	Password string `db:"password" json:"-"`
	State    string `db:"state" json:"state"`
}

// Member is a group member: a user flattened together with its role in
// one specific group.
type Member struct {
	ID    int    `db:"id" json:"id"`
	Name  string `db:"name" json:"name"`
	State string `db:"state" json:"state"`
	Role  string `db:"grouprole" json:"role"`
}

// Group is a row of the allgroup table plus its member list.
type Group struct {
	ID      int    `db:"id" json:"id"`
	Name    string `db:"groupname" json:"groupname"`
	Desc    string `db:"groupdesc" json:"groupdesc"`
	Members []Member
}
