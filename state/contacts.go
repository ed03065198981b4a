package state

import (
	"github.com/plait-im/go-plait/clock"
	"github.com/plait-im/go-plait/config"
	"github.com/plait-im/go-plait/ids"
	"github.com/plait-im/go-plait/record"
)

// A single address-book entry, keyed by account id.
type Contact struct {
	ID         ids.AccountID
	Name       string
	Nickname   string
	Pic        Pic
	Approved   bool
	ApprovedMe bool
	Blocked    bool
	Priority   int64
	CreatedMs  uint64
	Expiry     DisappearPolicy
}

func (c *Contact) Visible() bool {
	return ShouldBeVisible(c.Priority)
}

// DisplayName prefers the local nickname over the contact's own name.
func (c *Contact) DisplayName() string {
	if c.Nickname != "" {
		return c.Nickname
	}
	return c.Name
}

// The contacts namespace. All mutation flows through Set so field limits and
// the ciphertext budget are enforced on every write.
type Contacts struct {
	*Store
}

func NewContacts(c *config.Config, cl clock.Clock, seed []byte, dump []byte) (*Contacts, error) {
	s := newStore(c, cl, NamespaceContacts, nil)
	key, err := deriveNamespaceKey(seed, s.namespace)
	if err != nil {
		return nil, err
	}
	if err := s.AddKey(key, true); err != nil {
		return nil, err
	}
	if dump != nil {
		if err := s.LoadDump(dump); err != nil {
			return nil, err
		}
	}
	return &Contacts{Store: s}, nil
}

func (c *Contacts) Get(id ids.AccountID) (*Contact, bool) {
	r, ok := c.Store.Get(string(id))
	if !ok {
		return nil, false
	}
	return ContactFromRecord(r), true
}

func (c *Contacts) GetOrConstruct(id ids.AccountID) *Contact {
	return ContactFromRecord(c.Store.GetOrConstruct(string(id)))
}

func (c *Contacts) Set(ct *Contact) error {
	if _, err := ids.ParseAccountID(string(ct.ID)); err != nil {
		return err
	}
	ts := c.clock.CurrentTimeMs()
	r := c.Store.GetOrConstruct(string(ct.ID))
	putString(r, record.FieldName, ct.Name, ts)
	putString(r, record.FieldNickname, ct.Nickname, ts)
	putPic(r, ct.Pic, ts)
	putBool(r, record.FieldApproved, ct.Approved, ts)
	putBool(r, record.FieldApprovedMe, ct.ApprovedMe, ts)
	putBool(r, record.FieldBlocked, ct.Blocked, ts)
	putInt64(r, record.FieldPriority, ct.Priority, ts)
	putUint64(r, record.FieldCreatedMs, ct.CreatedMs, ts)
	putExpiry(r, ct.Expiry, ts)
	return c.Store.Set(r)
}

func (c *Contacts) Erase(id ids.AccountID) bool {
	return c.Store.Erase(string(id))
}

func (c *Contacts) All() ([]*Contact, error) {
	out := make([]*Contact, 0, c.Size())
	err := c.Iterate(func(r *record.Record) error {
		out = append(out, ContactFromRecord(r))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func ContactFromRecord(r *record.Record) *Contact {
	return &Contact{
		ID:         ids.AccountID(r.Key),
		Name:       r.String(record.FieldName),
		Nickname:   r.String(record.FieldNickname),
		Pic:        getPic(r),
		Approved:   r.Bool(record.FieldApproved),
		ApprovedMe: r.Bool(record.FieldApprovedMe),
		Blocked:    r.Bool(record.FieldBlocked),
		Priority:   r.Int64(record.FieldPriority),
		CreatedMs:  r.Uint64(record.FieldCreatedMs),
		Expiry:     getExpiry(r),
	}
}
