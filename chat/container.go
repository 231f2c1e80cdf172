package chat

import (
	"sort"
	"sync"

	"github.com/classpulse/chatspace/globals"
	"github.com/classpulse/chatspace/types"
)

// ContainerStorage maps container ids (courses, study groups) to
// meeting containers.
type ContainerStorage interface {
	Get(containerID string) Container
}

// Container controls which meeting is "the" active meeting of a
// container and who may join it.
type Container interface {
	// EnterActiveMeeting puts user into the container's active
	// meeting, if one exists and the user is allowed.
	EnterActiveMeeting(server *Chatserver, user string) *Meeting
	// CreateOrEnterMeeting enters the active meeting or, if there is
	// none, creates it with every allowed member invited. The bool
	// reports whether a meeting was created.
	CreateOrEnterMeeting(server *Chatserver, desc *types.RoomDescription, user string) (*Meeting, bool)
	// MeetingBecameEmpty clears the container's active meeting.
	MeetingBecameEmpty(m *Meeting)
}

// GroupContainer is a container backed by a fixed membership list,
// like a section roster or a friends list.
type GroupContainer struct {
	mu      sync.Mutex
	id      string
	members map[string]struct{}
	active  *Meeting
}

func NewGroupContainer(id string, members ...string) *GroupContainer {
	c := &GroupContainer{id: id, members: make(map[string]struct{})}
	for _, m := range members {
		c.members[m] = struct{}{}
	}
	return c
}

func (c *GroupContainer) allowed(user string) bool {
	_, ok := c.members[user]
	return ok
}

func (c *GroupContainer) Members() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.members))
	for m := range c.members {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

func (c *GroupContainer) EnterActiveMeeting(server *Chatserver, user string) *Meeting {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil || !c.active.IsActive() {
		c.active = nil
		return nil
	}
	if !c.allowed(user) {
		globals.AppLogger.Debug("user not allowed in container", "container", c.id, "user", user)
		return nil
	}
	c.active.AddOccupant(user, true)
	return c.active
}

func (c *GroupContainer) CreateOrEnterMeeting(server *Chatserver, desc *types.RoomDescription, user string) (*Meeting, bool) {
	c.mu.Lock()
	if c.active != nil && c.active.IsActive() {
		active := c.active
		allowed := c.allowed(user)
		c.mu.Unlock()
		if !allowed {
			return nil, false
		}
		active.AddOccupant(user, true)
		return active, false
	}
	if !c.allowed(user) {
		c.mu.Unlock()
		return nil, false
	}
	occupants := make([]string, 0, len(c.members))
	for m := range c.members {
		occupants = append(occupants, m)
	}
	sort.Strings(occupants)
	c.mu.Unlock()

	m := server.createRoom(c.id, occupants)
	c.mu.Lock()
	c.active = m
	c.mu.Unlock()
	return m, true
}

func (c *GroupContainer) MeetingBecameEmpty(m *Meeting) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == m {
		c.active = nil
	}
}

// MapContainerStorage is an in-memory ContainerStorage.
type MapContainerStorage struct {
	mu         sync.Mutex
	containers map[string]Container
}

func NewMapContainerStorage() *MapContainerStorage {
	return &MapContainerStorage{containers: make(map[string]Container)}
}

func (s *MapContainerStorage) Add(id string, c Container) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.containers[id] = c
}

func (s *MapContainerStorage) Get(containerID string) Container {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.containers[containerID]
}
