package message

import (
	"fmt"
	"regexp"
	"strings"
)

// Address is an immutable RFC 5322 mailbox address.
type Address struct {
	Name   string // optional display name
	Local  string
	Domain string
}

// Conservative address grammar. Deliberately stricter than RFC 5321 allows;
// quoted local parts and address literals are not accepted.
var (
	localPartPattern = regexp.MustCompile(`^[A-Za-z0-9!#$%&'*+/=?^_` + "`" + `{|}~.-]+$`)
	domainPattern    = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9-]*[A-Za-z0-9])?(\.[A-Za-z0-9]([A-Za-z0-9-]*[A-Za-z0-9])?)*$`)
)

// ParseAddress parses "local@domain" or `"Name" <local@domain>` into an Address.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Address{}, fmt.Errorf("empty address")
	}

	var name, spec string
	if open := strings.LastIndex(s, "<"); open >= 0 {
		close := strings.LastIndex(s, ">")
		if close < open {
			return Address{}, fmt.Errorf("unbalanced angle brackets in %q", s)
		}
		spec = s[open+1 : close]
		name = strings.TrimSpace(s[:open])
		name = strings.Trim(name, `"`)
	} else {
		spec = s
	}

	at := strings.LastIndex(spec, "@")
	if at <= 0 || at == len(spec)-1 {
		return Address{}, fmt.Errorf("address %q has no local part or domain", spec)
	}

	addr := Address{
		Name:   name,
		Local:  spec[:at],
		Domain: spec[at+1:],
	}
	if err := addr.Validate(); err != nil {
		return Address{}, err
	}
	return addr, nil
}

// Validate checks the address against the conservative grammar.
func (a Address) Validate() error {
	if len(a.Local) == 0 || len(a.Local) > 64 {
		return fmt.Errorf("local part length %d out of range", len(a.Local))
	}
	if !localPartPattern.MatchString(a.Local) {
		return fmt.Errorf("invalid local part %q", a.Local)
	}
	if strings.HasPrefix(a.Local, ".") || strings.HasSuffix(a.Local, ".") || strings.Contains(a.Local, "..") {
		return fmt.Errorf("invalid dot placement in local part %q", a.Local)
	}
	if len(a.Domain) == 0 || len(a.Domain) > 255 {
		return fmt.Errorf("domain length %d out of range", len(a.Domain))
	}
	if !domainPattern.MatchString(a.Domain) {
		return fmt.Errorf("invalid domain %q", a.Domain)
	}
	return nil
}

// Spec returns the bare addr-spec form "local@domain".
func (a Address) Spec() string {
	return a.Local + "@" + a.Domain
}

// String returns the canonical display form. The name is quoted when present
// and omitted entirely when absent.
func (a Address) String() string {
	if a.Name == "" {
		return a.Spec()
	}
	name := a.Name
	if strings.ContainsAny(name, `()<>[]:;@\,."`) {
		name = `"` + strings.ReplaceAll(name, `"`, `\"`) + `"`
	}
	return name + " <" + a.Spec() + ">"
}

// SpecList renders addresses as a comma separated list of addr-specs.
func SpecList(addrs []Address) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.Spec()
	}
	return out
}
