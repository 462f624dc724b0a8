// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2017-present Lee Honan.

package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// User is one row of the user table.
type User struct {
	Username    string `db:"username"`
	Password    string `db:"password"`
	Permissions string `db:"permissions"`
}

// WriteSysParam inserts a named system parameter, returning ErrConflict
// when the name is taken.
func (s *Store) WriteSysParam(name, value string) error {
	res, err := s.db.Exec("INSERT OR IGNORE INTO sys_param (name, value) VALUES (?, ?)", name, value)
	if err != nil {
		return fmt.Errorf("insert sys_param: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert sys_param: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("sys_param [%s]: %w", name, ErrConflict)
	}
	return nil
}

// SysParamValue fetches a system parameter; ok is false when unset.
func (s *Store) SysParamValue(name string) (value string, ok bool, err error) {
	err = s.db.Get(&value, "SELECT value FROM sys_param WHERE name = ?", name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query sys_param: %w", err)
	}
	return value, true, nil
}

// UpdateSysParam updates an existing system parameter.
func (s *Store) UpdateSysParam(name, value string) error {
	if name == "" {
		return errors.New("sys_param name required")
	}
	_, err := s.db.Exec("UPDATE sys_param SET value = ? WHERE name = ?", value, name)
	if err != nil {
		return fmt.Errorf("update sys_param: %w", err)
	}
	return nil
}

// WriteUser inserts a user, returning ErrConflict when the username is
// taken.
func (s *Store) WriteUser(u *User) error {
	res, err := s.db.Exec("INSERT OR IGNORE INTO user (username, password, permissions) VALUES (?, ?, ?)",
		u.Username, u.Password, u.Permissions)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("user [%s]: %w", u.Username, ErrConflict)
	}
	return nil
}

// LookupUser fetches a user by name, returning nil when absent.
func (s *Store) LookupUser(username string) (*User, error) {
	var u User
	err := s.db.Get(&u, "SELECT * FROM user WHERE username = ?", username)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	return &u, nil
}

// UpdateUser updates a user's password and/or permissions; empty values
// leave a column untouched.
func (s *Store) UpdateUser(username, password, permissions string) error {
	if username == "" || (password == "" && permissions == "") {
		return errors.New("invalid user update")
	}

	var sets []string
	var args []interface{}
	if password != "" {
		sets = append(sets, "password = ?")
		args = append(args, password)
	}
	if permissions != "" {
		sets = append(sets, "permissions = ?")
		args = append(args, permissions)
	}
	args = append(args, username)

	_, err := s.db.Exec("UPDATE user SET "+strings.Join(sets, ", ")+" WHERE username = ?", args...)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	return nil
}
