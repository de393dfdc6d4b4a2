package node

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/quadre-code/domainrpc"
	"github.com/quadre-code/domainrpc/internal/domain"
)

// Domains is a snapshot of the backend interface. Every refresh produces a
// new Domains value; holders of an older value keep a stale copy and should
// re-read Connection.Domains instead of caching it.
type Domains struct {
	conn    *Connection
	domains map[string]*Domain
}

func newDomains(conn *Connection, desc domain.Descriptions) *Domains {
	d := &Domains{conn: conn, domains: make(map[string]*Domain, len(desc))}
	for name, spec := range desc {
		d.domains[name] = &Domain{name: name, conn: conn, spec: spec}
	}
	return d
}

// Get returns the stub of a domain.
func (d *Domains) Get(name string) (*Domain, bool) {
	dom, ok := d.domains[name]
	return dom, ok
}

// Has reports whether the snapshot contains the domain.
func (d *Domains) Has(name string) bool {
	_, ok := d.domains[name]
	return ok
}

// Names returns the domain names in sorted order.
func (d *Domains) Names() []string {
	names := make([]string, 0, len(d.domains))
	for name := range d.domains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Descriptions returns the raw descriptors of the current snapshot.
func (d *Domains) Descriptions() domain.Descriptions {
	out := make(domain.Descriptions, len(d.domains))
	for name, dom := range d.domains {
		out[name] = dom.spec
	}
	return out
}

// Domain exposes the commands and events of one backend domain.
type Domain struct {
	name string
	conn *Connection
	spec domain.Domain
}

// Name returns the domain name.
func (d *Domain) Name() string { return d.name }

// Version returns the declared domain version, if any.
func (d *Domain) Version() *domain.Version { return d.spec.Version }

// Commands returns the command descriptors of the domain.
func (d *Domain) Commands() map[string]*domain.Command { return d.spec.Commands }

// Events returns the event descriptors of the domain.
func (d *Domain) Events() map[string]*domain.Event { return d.spec.Events }

// Exec invokes a command. Commands missing from the snapshot settle
// immediately with an error and nothing is sent.
func (d *Domain) Exec(command string, args ...any) *Pending {
	return d.ExecWithProgress(command, nil, args...)
}

// ExecWithProgress is like Exec and also delivers commandProgress messages
// to progress until the command settles.
func (d *Domain) ExecWithProgress(command string, progress ProgressFunc, args ...any) *Pending {
	if _, ok := d.spec.Commands[command]; !ok {
		p := newPending(progress)
		p.settle(Response{}, fmt.Errorf("%s: %s.%s", domainrpc.ErrNoSuchCommand, d.name, command))
		return p
	}
	return d.conn.exec(d.name, command, progress, args...)
}

// Call runs a command and decodes its result into out, which may be nil.
func (d *Domain) Call(ctx context.Context, command string, out any, args ...any) error {
	resp, err := d.Exec(command, args...).Wait(ctx)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return resp.Decode(out)
}

func decodeDescriptions(resp Response) (domain.Descriptions, error) {
	var desc domain.Descriptions
	if err := json.Unmarshal(resp.Raw, &desc); err != nil {
		return nil, fmt.Errorf("decode domain descriptions: %w", err)
	}
	return desc, nil
}
