package chat

import "sync"

// ContactSource answers the social questions the chat layer needs:
// who subscribes to a user's presence, whose presence the user
// subscribes to, and how named groups expand into member lists for
// room occupancy.
type ContactSource interface {
	SubscribersOf(username string) []string
	SubscriptionsOf(username string) []string
	ExpandGroup(name string) ([]string, bool)
}

// StaticContacts is an in-memory ContactSource fed by configuration
// or tests.
type StaticContacts struct {
	mu     sync.Mutex
	groups map[string][]string
	subs   map[string]map[string]struct{} // user -> users they subscribe to
}

func NewStaticContacts() *StaticContacts {
	return &StaticContacts{
		groups: make(map[string][]string),
		subs:   make(map[string]map[string]struct{}),
	}
}

func (c *StaticContacts) AddGroup(name string, members ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.groups[name] = append([]string{}, members...)
}

// Subscribe makes user a subscriber of target's presence.
func (c *StaticContacts) Subscribe(user, target string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subs[user] == nil {
		c.subs[user] = make(map[string]struct{})
	}
	c.subs[user][target] = struct{}{}
}

func (c *StaticContacts) SubscribersOf(username string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0)
	for user, targets := range c.subs {
		if _, ok := targets[username]; ok {
			out = append(out, user)
		}
	}
	return out
}

func (c *StaticContacts) SubscriptionsOf(username string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0)
	for target := range c.subs[username] {
		out = append(out, target)
	}
	return out
}

func (c *StaticContacts) ExpandGroup(name string) ([]string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	members, ok := c.groups[name]
	if !ok {
		return nil, false
	}
	return append([]string{}, members...), true
}
