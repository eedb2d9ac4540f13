package core

import (
	"context"
	"regexp"
	"slices"
	"strings"
	"unicode"
)

// FilterKind tags the variant held by a Filter.
type FilterKind int

const (
	FilterContentType FilterKind = iota
	FilterCommand
	FilterRegexp
	FilterState
	FilterChatType
	FilterChat
	FilterFunc
)

// AnyState matches any conversation that has a state set.
const AnyState = "*"

// Filter is one match criterion of a handler. Filters of an entry are
// combined with logical AND.
type Filter struct {
	Kind         FilterKind
	ContentTypes []string
	Commands     []string
	Pattern      *regexp.Regexp
	States       []string
	ChatTypes    []string
	ChatIDs      []int64
	Func         func(ctx context.Context, req *Request) (bool, error)
}

// ContentTypes matches messages whose content type is one of types.
func ContentTypes(types ...string) Filter {
	return Filter{Kind: FilterContentType, ContentTypes: types}
}

// Commands matches "/name", "/name args" and "/name@bot args" for any of
// the given names. Names are compared case-insensitively.
func Commands(names ...string) Filter {
	lower := make([]string, len(names))
	for i, n := range names {
		lower[i] = strings.ToLower(strings.TrimPrefix(n, "/"))
	}
	return Filter{Kind: FilterCommand, Commands: lower}
}

// Regexp matches the update text (message text or caption, callback data,
// inline query). It panics if expr does not compile.
func Regexp(expr string) Filter {
	return Filter{Kind: FilterRegexp, Pattern: regexp.MustCompile(expr)}
}

// State matches when the conversation state equals one of states. Use
// AnyState to require any state, or "" to require no state.
func State(states ...string) Filter {
	return Filter{Kind: FilterState, States: states}
}

// ChatTypes matches chats of the given types (private, group, supergroup,
// channel).
func ChatTypes(types ...string) Filter {
	return Filter{Kind: FilterChatType, ChatTypes: types}
}

// Chats matches the given chat ids.
func Chats(ids ...int64) Filter {
	return Filter{Kind: FilterChat, ChatIDs: ids}
}

// Func matches with a free-form predicate.
func Func(fn func(ctx context.Context, req *Request) (bool, error)) Filter {
	return Filter{Kind: FilterFunc, Func: fn}
}

// Match evaluates the filter against req.
func (f Filter) Match(ctx context.Context, req *Request) (bool, error) {
	u := req.Update
	switch f.Kind {
	case FilterContentType:
		m := u.AnyMessage()
		if m == nil {
			return false, nil
		}
		return slices.Contains(f.ContentTypes, m.ContentType()), nil

	case FilterCommand:
		m := u.AnyMessage()
		if m == nil {
			return false, nil
		}
		cmd, _ := ParseCommand(m.Text)
		return cmd != "" && slices.Contains(f.Commands, cmd), nil

	case FilterRegexp:
		text := u.Text()
		return text != "" && f.Pattern.MatchString(text), nil

	case FilterState:
		current, ok, err := req.State.Get(ctx)
		if err != nil {
			return false, err
		}
		for _, want := range f.States {
			switch {
			case want == AnyState && ok:
				return true, nil
			case want == "" && !ok:
				return true, nil
			case ok && want == current:
				return true, nil
			}
		}
		return false, nil

	case FilterChatType:
		c := u.Chat()
		return c != nil && slices.Contains(f.ChatTypes, c.Type), nil

	case FilterChat:
		c := u.Chat()
		return c != nil && slices.Contains(f.ChatIDs, c.ID), nil

	case FilterFunc:
		return f.Func(ctx, req)
	}
	return false, nil
}

// ParseCommand extracts the command name and arguments from a message.
// It handles "/command", "/command args", and "/command@botname args".
func ParseCommand(text string) (cmd, args string) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", ""
	}

	text = text[1:]
	cmd = text
	if i := strings.IndexFunc(text, unicode.IsSpace); i != -1 {
		cmd = text[:i]
		args = strings.TrimSpace(text[i:])
	}

	// Strip @botname suffix.
	if at := strings.Index(cmd, "@"); at != -1 {
		cmd = cmd[:at]
	}

	cmd = strings.ToLower(cmd)
	return cmd, args
}
