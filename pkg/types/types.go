package types

// ServiceBinding is one named property of a client, usually a service name
// bound to a virtual socket address in text form.
type ServiceBinding struct {
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
}

// ClientDescription client identity and its ordered service bindings, as
// carried in gossip.
type ClientDescription struct {
	ID       string
	Services []ServiceBinding
}

// ServiceRecord a service binding found somewhere in the directory
type ServiceRecord struct {
	Client string // Client identity
	Hub    string // Hub the client is attached to
	Name   string
	Value  string
}

// Get returns the value bound to name.
func (c ClientDescription) Get(name string) (string, bool) {
	for _, s := range c.Services {
		if s.Name == name {
			return s.Value, true
		}
	}
	return "", false
}

// Set binds name to value, keeping the position of an existing binding.
func (c *ClientDescription) Set(name, value string) {
	for i := range c.Services {
		if c.Services[i].Name == name {
			c.Services[i].Value = value
			return
		}
	}
	c.Services = append(c.Services, ServiceBinding{Name: name, Value: value})
}

// Remove drops the binding for name and reports whether it existed.
func (c *ClientDescription) Remove(name string) bool {
	for i := range c.Services {
		if c.Services[i].Name == name {
			c.Services = append(c.Services[:i:i], c.Services[i+1:]...)
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (c ClientDescription) Clone() ClientDescription {
	out := ClientDescription{ID: c.ID}
	if c.Services != nil {
		out.Services = make([]ServiceBinding, len(c.Services))
		copy(out.Services, c.Services)
	}
	return out
}

// CloneClients deep copies a client list.
func CloneClients(in []ClientDescription) []ClientDescription {
	if in == nil {
		return nil
	}
	out := make([]ClientDescription, len(in))
	for i, c := range in {
		out[i] = c.Clone()
	}
	return out
}
