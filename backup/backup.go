// Package backup names the datastore hierarchy: backup groups of a given
// type and id, and the timestamped snapshot directories inside them.
package backup

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

type Type string

const (
	TypeVM   Type = "vm"
	TypeCT   Type = "ct"
	TypeHost Type = "host"
)

// TimeFormat renders snapshot timestamps, always in UTC.
const TimeFormat = "2006-01-02T15:04:05Z"

var Types = []Type{TypeVM, TypeCT, TypeHost}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9._-]*$`)

func ParseType(s string) (Type, error) {
	for _, t := range Types {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("invalid backup type %q", s)
}

type Group struct {
	Type Type
	ID   string
}

func NewGroup(backupType Type, id string) (Group, error) {
	if _, err := ParseType(string(backupType)); err != nil {
		return Group{}, err
	}
	if !idPattern.MatchString(id) {
		return Group{}, fmt.Errorf("invalid backup id %q", id)
	}
	return Group{Type: backupType, ID: id}, nil
}

// ParseGroup parses "<type>/<id>".
func ParseGroup(s string) (Group, error) {
	backupType, id, ok := strings.Cut(s, "/")
	if !ok {
		return Group{}, fmt.Errorf("invalid backup group %q", s)
	}
	t, err := ParseType(backupType)
	if err != nil {
		return Group{}, err
	}
	return NewGroup(t, id)
}

func (g Group) String() string {
	return string(g.Type) + "/" + g.ID
}

// Path is the group directory relative to the datastore root.
func (g Group) Path() string {
	return filepath.Join(string(g.Type), g.ID)
}

type Dir struct {
	Group Group
	Time  time.Time
}

func NewDir(group Group, t time.Time) Dir {
	return Dir{Group: group, Time: t.UTC().Truncate(time.Second)}
}

// ParseDir parses "<type>/<id>/<timestamp>".
func ParseDir(s string) (Dir, error) {
	i := strings.LastIndex(s, "/")
	if i < 0 {
		return Dir{}, fmt.Errorf("invalid snapshot %q", s)
	}
	group, err := ParseGroup(s[:i])
	if err != nil {
		return Dir{}, err
	}
	t, err := ParseTime(s[i+1:])
	if err != nil {
		return Dir{}, err
	}
	return Dir{Group: group, Time: t}, nil
}

func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(TimeFormat, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid snapshot time %q", s)
	}
	return t.UTC(), nil
}

func (d Dir) TimeString() string {
	return d.Time.UTC().Format(TimeFormat)
}

func (d Dir) String() string {
	return d.Group.String() + "/" + d.TimeString()
}

func (d Dir) Path() string {
	return filepath.Join(d.Group.Path(), d.TimeString())
}

func (d Dir) Equal(other Dir) bool {
	return d.Group == other.Group && d.Time.Equal(other.Time)
}
