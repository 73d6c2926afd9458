package model

import (
	"bytes"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Mission is the body stored under /missions/<key>/content.
type Mission struct {
	Title         string        `json:"title"`
	EndDate       Timestamp     `json:"endDate"`
	UsersAccepted AcceptedUsers `json:"usersAccepted,omitempty"`
}

// MissionRecord pairs a mission with its datastore key.
type MissionRecord struct {
	Key     string
	Mission Mission
}

// MissionNode mirrors a child of /missions as stored.
type MissionNode struct {
	Content Mission `json:"content"`
}

type AcceptedUser struct {
	UID string `json:"uid"`
}

// AcceptedUsers decodes either a JSON array or a keyed object, which is how
// the Realtime Database returns sparse arrays. Null entries are dropped.
type AcceptedUsers []AcceptedUser

func (a *AcceptedUsers) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*a = nil
		return nil
	}

	if data[0] == '{' {
		var byKey map[string]*AcceptedUser
		if err := json.Unmarshal(data, &byKey); err != nil {
			return err
		}
		keys := make([]string, 0, len(byKey))
		for k := range byKey {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return LessKey(keys[i], keys[j]) })

		out := make(AcceptedUsers, 0, len(keys))
		for _, k := range keys {
			if u := byKey[k]; u != nil && u.UID != "" {
				out = append(out, *u)
			}
		}
		*a = out
		return nil
	}

	var list []*AcceptedUser
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	out := make(AcceptedUsers, 0, len(list))
	for _, u := range list {
		if u != nil && u.UID != "" {
			out = append(out, *u)
		}
	}
	*a = out
	return nil
}

// LessKey orders numeric keys numerically and everything else lexically,
// numbers first. It is the order the database returns children in.
func LessKey(a, b string) bool {
	ai, aerr := strconv.Atoi(a)
	bi, berr := strconv.Atoi(b)
	switch {
	case aerr == nil && berr == nil:
		return ai < bi
	case aerr == nil:
		return true
	case berr == nil:
		return false
	}
	return a < b
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
}

const dateLayout = "2006-01-02"

// Timestamp accepts epoch milliseconds or an ISO-8601 string. A value that
// cannot be parsed decodes to the zero time.
type Timestamp struct {
	time.Time
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	t.Time = time.Time{}
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		t.Time = ParseTimestamp(s)
		return nil
	}

	ms, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return nil
	}
	t.Time = time.UnixMilli(int64(ms))
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Format(time.RFC3339Nano))
}

// ParseTimestamp parses s with the layouts missions are known to use.
// Date-time layouts without a zone are read in local time; a bare date is
// midnight UTC. Digit strings are not epoch values and parse to zero.
func ParseTimestamp(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return ts
		}
	}
	if ts, err := time.Parse(dateLayout, s); err == nil {
		return ts
	}
	return time.Time{}
}

// RemindsAt reports whether m is due for a reminder at now: it has accepted
// users and ends after now but no later than now+window.
func (m Mission) RemindsAt(now time.Time, window time.Duration) bool {
	if len(m.UsersAccepted) == 0 || m.EndDate.IsZero() {
		return false
	}
	end := m.EndDate.Time
	return end.After(now) && !end.After(now.Add(window))
}

// MissionChange is emitted when an existing child of /missions is mutated.
type MissionChange struct {
	Key string
	At  time.Time
}
