package config

// Properties is a flat key/value property set attached to a single
// connection attempt and consulted by the module chain.
type Properties map[string]string

// NewProperties builds a property set from alternating key/value pairs.
func NewProperties(kv ...string) Properties {
	p := make(Properties, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		p[kv[i]] = kv[i+1]
	}
	return p
}

// Get returns the raw value for key.
func (p Properties) Get(key string) (string, bool) {
	if p == nil {
		return "", false
	}
	v, ok := p[key]
	return v, ok
}

// GetList splits a comma-separated value.
func (p Properties) GetList(key string) []string {
	v, ok := p.Get(key)
	if !ok {
		return nil
	}
	return splitList(v)
}
