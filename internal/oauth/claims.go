package oauth

// Claims is an open bag of identity claims. Well-known fields get typed
// accessors; everything else passes through untouched so upstream providers
// can attach arbitrary claims without a closed schema here.
type Claims map[string]any

func (c Claims) str(name string) string {
	v, _ := c[name].(string)
	return v
}

// Subject returns the "sub" claim.
func (c Claims) Subject() string { return c.str("sub") }

// Email returns the "email" claim.
func (c Claims) Email() string { return c.str("email") }

// Scope returns the "scope" claim.
func (c Claims) Scope() string { return c.str("scope") }

// Issuer returns the "iss" claim.
func (c Claims) Issuer() string { return c.str("iss") }

// Has reports whether the named claim is present and non-empty.
func (c Claims) Has(name string) bool {
	v, ok := c[name]
	if !ok || v == nil {
		return false
	}
	if s, isString := v.(string); isString {
		return s != ""
	}
	return true
}

// Missing returns the subset of required claim names absent from the bag.
func (c Claims) Missing(required []string) []string {
	var missing []string
	for _, name := range required {
		if !c.Has(name) {
			missing = append(missing, name)
		}
	}
	return missing
}

// Merge returns a new bag with other's claims layered over c. Claims already
// present in c win: ID-token claims are authoritative over user-info data.
func (c Claims) Merge(other Claims) Claims {
	merged := make(Claims, len(c)+len(other))
	for k, v := range other {
		merged[k] = v
	}
	for k, v := range c {
		merged[k] = v
	}
	return merged
}

// Clone returns a shallow copy.
func (c Claims) Clone() Claims {
	cp := make(Claims, len(c))
	for k, v := range c {
		cp[k] = v
	}
	return cp
}
