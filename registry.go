package cmdsock

import (
	"fmt"
	"strconv"
	"sync"
)

// CommandKind tells whether a command is identified by number or by name.
type CommandKind uint8

const (
	// KindID identifies a command by its integer identifier.
	KindID CommandKind = iota
	// KindName identifies a command by its name.
	KindName
)

// Command identifies a command inside an extension.
// Build one with CommandID or CommandName.
type Command struct {
	kind CommandKind
	id   int
	name string
}

// CommandID returns a command identified by number.
func CommandID(id int) Command {
	return Command{kind: KindID, id: id}
}

// CommandName returns a command identified by name.
func CommandName(name string) Command {
	return Command{kind: KindName, name: name}
}

// Kind reports how the command is identified.
func (c Command) Kind() CommandKind { return c.kind }

func (c Command) String() string {
	if c.kind == KindName {
		return c.name
	}
	return "CmdId(" + strconv.Itoa(c.id) + ")"
}

// HandlerKey is the registry key for an (extension, command) pair.
// Keys are compared structurally; an id-based and a name-based key are never
// equal, even when they denote the same logical command.
type HandlerKey struct {
	Extension string
	Command   Command
}

// KeyFor derives the handler key for an extension and command.
func KeyFor(extension string, cmd Command) HandlerKey {
	return HandlerKey{Extension: extension, Command: cmd}
}

// RouteKey derives the key used to dispatch a decoded message.
func RouteKey(msg Message) HandlerKey {
	return KeyFor(msg.Extension, msg.Command())
}

// String renders the key as On<extension>_<command>.
func (k HandlerKey) String() string {
	return fmt.Sprintf("On%s_%s", k.Extension, k.Command)
}

// Event is passed to a per-command handler.
type Event struct {
	Client  *Client
	Message Message
	// Payload is a private copy of the frame body.
	Payload []byte
}

// Handler is a callback registered for one (extension, command) pair.
type Handler func(*Event)

// Registry maps handler keys to callbacks. One handler per key; registering
// again replaces the previous handler. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[HandlerKey]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[HandlerKey]Handler)}
}

// Register stores h under (extension, cmd). An empty extension is a valid
// key and renders as On_<command>.
func (r *Registry) Register(extension string, cmd Command, h Handler) error {
	if h == nil {
		return ErrInvalidHandler
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[KeyFor(extension, cmd)] = h
	return nil
}

// Resolve returns the handler registered for (extension, cmd).
func (r *Registry) Resolve(extension string, cmd Command) (Handler, bool) {
	return r.lookup(KeyFor(extension, cmd))
}

// Remove deletes the handler for (extension, cmd) and reports whether one existed.
func (r *Registry) Remove(extension string, cmd Command) bool {
	key := KeyFor(extension, cmd)

	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.handlers[key]
	delete(r.handlers, key)
	return ok
}

// Len returns the number of registered handlers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// Reset drops every registered handler.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = make(map[HandlerKey]Handler)
}

func (r *Registry) lookup(key HandlerKey) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[key]
	return h, ok
}
