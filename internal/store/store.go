// Package store is the relational persistence layer: five tables, plain
// CRUD. Per the delivery model (no acks), writes are best-effort and
// reads return empty results on failure; every failure is logged.
package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/clusterchat/chatd/internal/types"
)

// ErrNameInUse is returned by InsertUser when the name is already taken.
var ErrNameInUse = errors.New("store: user name already in use")

// ErrNotFound is returned by QueryUser when no row matches the id.
var ErrNotFound = errors.New("store: user not found")

const mysqlErrDuplicateEntry = 1062

// Store wraps a MySQL connection pool. All methods are safe for
// concurrent use; each call is self-contained.
type Store struct {
	db     *sqlx.DB
	logger zerolog.Logger
}

// Open prepares the MySQL connection pool. The database is not pinged:
// a store call made while the database is down fails and is logged like
// any other storage error, and service resumes when the database does.
func Open(dsn string, logger zerolog.Logger) (*Store, error) {
	db, err := sqlx.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)
	return &Store{
		db:     db,
		logger: logger.With().Str("component", "store").Logger(),
	}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertUser creates a user row and returns the generated id.
// A name collision maps to ErrNameInUse; the caller turns it into the
// register-failed ack.
func (s *Store) InsertUser(name, password string) (int, error) {
	res, err := s.db.Exec(
		"INSERT INTO user (name, password, state) VALUES (?, ?, ?)",
		name, password, types.StateOffline,
	)
	if err != nil {
		var me *mysql.MySQLError
		if errors.As(err, &me) && me.Number == mysqlErrDuplicateEntry {
			return 0, ErrNameInUse
		}
		s.logger.Error().Err(err).Str("name", name).Msg("InsertUser failed")
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		s.logger.Error().Err(err).Msg("InsertUser: LastInsertId failed")
		return 0, err
	}
	return int(id), nil
}

// QueryUser returns the user row for id, or ErrNotFound.
func (s *Store) QueryUser(id int) (types.User, error) {
	var u types.User
	err := s.db.Get(&u, "SELECT id, name, password, state FROM user WHERE id = ?", id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.User{}, ErrNotFound
		}
		s.logger.Error().Err(err).Int("id", id).Msg("QueryUser failed")
		return types.User{}, ErrNotFound
	}
	return u, nil
}

// UpdateUserState overwrites the state column for id. Best-effort.
func (s *Store) UpdateUserState(id int, state string) {
	if _, err := s.db.Exec("UPDATE user SET state = ? WHERE id = ?", state, id); err != nil {
		s.logger.Error().Err(err).Int("id", id).Str("state", state).Msg("UpdateUserState failed")
	}
}

// ResetAllOnlineToOffline repairs user state after a crash: every row
// still marked online is flipped to offline. Called at boot and at
// clean shutdown.
func (s *Store) ResetAllOnlineToOffline() {
	res, err := s.db.Exec(
		"UPDATE user SET state = ? WHERE state = ?",
		types.StateOffline, types.StateOnline,
	)
	if err != nil {
		s.logger.Error().Err(err).Msg("ResetAllOnlineToOffline failed")
		return
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		s.logger.Info().Int64("rows", n).Msg("Reset stale online users to offline")
	}
}

// InsertFriend records the directed friendship (userid → friendid).
// Duplicate inserts fail on the primary key and are swallowed; callers
// tolerate the failure.
func (s *Store) InsertFriend(userid, friendid int) {
	if _, err := s.db.Exec(
		"INSERT INTO friend (userid, friendid) VALUES (?, ?)",
		userid, friendid,
	); err != nil {
		s.logger.Error().Err(err).Int("userid", userid).Int("friendid", friendid).Msg("InsertFriend failed")
	}
}

// QueryFriends returns id, name and current state of every friend on
// the userid side of the friend table.
func (s *Store) QueryFriends(userid int) []types.User {
	var friends []types.User
	err := s.db.Select(&friends,
		`SELECT user.id, user.name, user.state FROM user
		 INNER JOIN friend ON friend.friendid = user.id
		 WHERE friend.userid = ?`, userid)
	if err != nil {
		s.logger.Error().Err(err).Int("userid", userid).Msg("QueryFriends failed")
		return nil
	}
	return friends
}

// CreateGroup inserts a group row and returns the generated id.
func (s *Store) CreateGroup(name, desc string) (int, error) {
	res, err := s.db.Exec(
		"INSERT INTO allgroup (groupname, groupdesc) VALUES (?, ?)",
		name, desc,
	)
	if err != nil {
		s.logger.Error().Err(err).Str("name", name).Msg("CreateGroup failed")
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		s.logger.Error().Err(err).Msg("CreateGroup: LastInsertId failed")
		return 0, err
	}
	return int(id), nil
}

// AddGroupMember records membership of userid in groupid with role.
// Best-effort; duplicate joins fail on the primary key.
func (s *Store) AddGroupMember(groupid, userid int, role string) {
	if _, err := s.db.Exec(
		"INSERT INTO groupuser (groupid, userid, grouprole) VALUES (?, ?, ?)",
		groupid, userid, role,
	); err != nil {
		s.logger.Error().Err(err).Int("groupid", groupid).Int("userid", userid).Msg("AddGroupMember failed")
	}
}

// QueryGroupsOfUser returns every group userid belongs to, each with
// its full member list. Two-phase: list the groups, then the members of
// each.
func (s *Store) QueryGroupsOfUser(userid int) []types.Group {
	var groups []types.Group
	err := s.db.Select(&groups,
		`SELECT a.id, a.groupname, a.groupdesc FROM allgroup a
		 INNER JOIN groupuser b ON a.id = b.groupid
		 WHERE b.userid = ?`, userid)
	if err != nil {
		s.logger.Error().Err(err).Int("userid", userid).Msg("QueryGroupsOfUser failed")
		return nil
	}
	for i := range groups {
		var members []types.Member
		err := s.db.Select(&members,
			`SELECT a.id, a.name, a.state, b.grouprole FROM user a
			 INNER JOIN groupuser b ON b.userid = a.id
			 WHERE b.groupid = ?`, groups[i].ID)
		if err != nil {
			s.logger.Error().Err(err).Int("groupid", groups[i].ID).Msg("QueryGroupsOfUser: member query failed")
			continue
		}
		groups[i].Members = members
	}
	return groups
}

// QueryGroupPeers returns the ids of all members of groupid other than
// userid.
func (s *Store) QueryGroupPeers(userid, groupid int) []int {
	var ids []int
	err := s.db.Select(&ids,
		"SELECT userid FROM groupuser WHERE groupid = ? AND userid != ?",
		groupid, userid)
	if err != nil {
		s.logger.Error().Err(err).Int("groupid", groupid).Msg("QueryGroupPeers failed")
		return nil
	}
	return ids
}

// InsertOffline persists the verbatim wire frame for a recipient who
// was unreachable at send time. Best-effort: a failure here loses the
// message, which the no-ack delivery model accepts.
func (s *Store) InsertOffline(userid int, payload string) {
	if _, err := s.db.Exec(
		"INSERT INTO offlinemessage (userid, message) VALUES (?, ?)",
		userid, payload,
	); err != nil {
		s.logger.Error().Err(err).Int("userid", userid).Msg("InsertOffline failed")
	}
}

// QueryOffline returns all stored frames for userid.
func (s *Store) QueryOffline(userid int) []string {
	var msgs []string
	err := s.db.Select(&msgs,
		"SELECT message FROM offlinemessage WHERE userid = ?", userid)
	if err != nil {
		s.logger.Error().Err(err).Int("userid", userid).Msg("QueryOffline failed")
		return nil
	}
	return msgs
}

// DeleteOffline removes all stored frames for userid. Callers must read
// first: the login path queries, builds the ack, then deletes.
func (s *Store) DeleteOffline(userid int) {
	if _, err := s.db.Exec(
		"DELETE FROM offlinemessage WHERE userid = ?", userid,
	); err != nil {
		s.logger.Error().Err(err).Int("userid", userid).Msg("DeleteOffline failed")
	}
}
