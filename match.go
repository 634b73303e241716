package taskbus

import (
	"fmt"
	"strings"

	"github.com/creachadair/mds/value"
)

// Match is a filter that selects inbound signals. Each present field
// must match the corresponding message field exactly; absent fields
// are wildcards. There is no globbing.
type Match struct {
	sender value.Maybe[string]
	object value.Maybe[ObjectPath]
	iface  value.Maybe[string]
	member value.Maybe[string]
}

// MatchAllSignals returns a Match that selects every signal.
func MatchAllSignals() *Match {
	return &Match{}
}

// Sender restricts the match to signals sent by the named peer.
func (m *Match) Sender(s string) *Match {
	m.sender = value.Just(s)
	return m
}

// Object restricts the match to signals emitted by the object at the
// given path.
func (m *Match) Object(p ObjectPath) *Match {
	m.object = value.Just(p)
	return m
}

// Interface restricts the match to signals of the named interface.
func (m *Match) Interface(s string) *Match {
	m.iface = value.Just(s)
	return m
}

// Member restricts the match to signals with the given name.
func (m *Match) Member(s string) *Match {
	m.member = value.Just(s)
	return m
}

// Matches reports whether msg satisfies the filter.
func (m *Match) Matches(msg *Message) bool {
	if msg.Kind != KindSignal {
		return false
	}
	if s, ok := m.sender.GetOK(); ok && msg.Sender != s {
		return false
	}
	if o, ok := m.object.GetOK(); ok && msg.Path != o {
		return false
	}
	if s, ok := m.iface.GetOK(); ok && msg.Interface != s {
		return false
	}
	if s, ok := m.member.GetOK(); ok && msg.Member != s {
		return false
	}
	return true
}

func (m *Match) String() string {
	ms := []string{"type='signal'"}
	kv := func(k, v string) {
		ms = append(ms, fmt.Sprintf("%s='%s'", k, v))
	}
	if s, ok := m.sender.GetOK(); ok {
		kv("sender", s)
	}
	if o, ok := m.object.GetOK(); ok {
		kv("path", o.String())
	}
	if s, ok := m.iface.GetOK(); ok {
		kv("interface", s)
	}
	if s, ok := m.member.GetOK(); ok {
		kv("member", s)
	}
	return strings.Join(ms, ",")
}
