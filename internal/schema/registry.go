package schema

import (
	"fmt"
	"sort"
	"sync"
)

// The channel registry is populated once at startup and read-only
// afterwards.
var (
	regMu    sync.RWMutex
	registry = make(map[string]*Channel)
)

// Register validates a channel declaration, builds its type index and adds
// it to the global registry. Called from application init wiring.
func Register(c *Channel) error {
	if c.Name == "" {
		return fmt.Errorf("register channel: empty name")
	}
	if c.Root == nil || c.Root.Serialize == nil {
		return fmt.Errorf("register channel %s: missing root node", c.Name)
	}
	if c.GetAnchor == nil {
		return fmt.Errorf("register channel %s: missing GetAnchor", c.Name)
	}
	c.buildIndex()

	regMu.Lock()
	defer regMu.Unlock()
	if _, dup := registry[c.Name]; dup {
		return fmt.Errorf("register channel %s: duplicate name", c.Name)
	}
	registry[c.Name] = c
	return nil
}

// MustRegister is Register that panics; for startup wiring.
func MustRegister(c *Channel) *Channel {
	if err := Register(c); err != nil {
		panic(err)
	}
	return c
}

// Lookup returns a registered channel by name, or nil.
func Lookup(name string) *Channel {
	regMu.RLock()
	defer regMu.RUnlock()
	return registry[name]
}

// Registered returns every registered channel, sorted by name.
func Registered() []*Channel {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]*Channel, 0, len(registry))
	for _, c := range registry {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Reset clears the registry. Test helper.
func Reset() {
	regMu.Lock()
	defer regMu.Unlock()
	registry = make(map[string]*Channel)
}
