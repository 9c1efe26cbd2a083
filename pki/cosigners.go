package pki

import (
	"encoding/json"
	"sort"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/LarsSch/privmx-sub001/keystore"
	"github.com/LarsSch/privmx-sub001/storage/kv"
)

// CosignerState is the registration state of a cosigner.
type CosignerState string

const (
	CosignerActive  CosignerState = "ACTIVE"
	CosignerDeleted CosignerState = "DELETED"
)

var (
	// ErrCosignerNotFound indicates an unregistered cosigner domain.
	ErrCosignerNotFound = errors.New("[pki] Cosigner not found")
	// ErrInvalidCosigner indicates a registration with a malformed uuid
	// or keystore.
	ErrInvalidCosigner = errors.New("[pki] Invalid cosigner")
	// ErrCosignerUUIDMismatch indicates an attempt to rebind an active
	// cosigner domain to another uuid.
	ErrCosignerUUIDMismatch = errors.New("[pki] Cosigner is active under another uuid")
)

// Cosigner is a domain that attests the local snapshots.
type Cosigner struct {
	Domain                string             `json:"domain"`
	UUID                  string             `json:"uuid"`
	KeyStore              *keystore.KeyStore `json:"keystore"`
	State                 CosignerState      `json:"state"`
	IP                    string             `json:"ip,omitempty"`
	RequestCount          int64              `json:"request_count"`
	ResponseCount         int64              `json:"response_count"`
	ModificationTimestamp int64              `json:"modification_timestamp"`
}

func (p *PKI) registry(db kv.DB) *kv.Namespace {
	return kv.NewNamespace(db, p.Domain()).Sub("cosigners")
}

func loadCosigner(ns *kv.Namespace, domain string) (*Cosigner, error) {
	buf, err := ns.Get([]byte(domain))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrCosignerNotFound
	} else if err != nil {
		return nil, err
	}
	var c Cosigner
	if err := json.Unmarshal(buf, &c); err != nil {
		return nil, errors.Wrapf(ErrInvalidCosigner, "%s: %v", domain, err)
	}
	return &c, nil
}

func (p *PKI) storeCosigner(ns *kv.Namespace, c *Cosigner) error {
	c.ModificationTimestamp = p.config().Now().Unix()
	buf, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return ns.Put([]byte(c.Domain), buf)
}

// Cosigners returns every registered cosigner, sorted by domain.
func (p *PKI) Cosigners() ([]*Cosigner, error) {
	var out []*Cosigner
	err := p.store.With(func(db kv.DB) error {
		return p.registry(db).Enumerate(func(k, v []byte) error {
			var c Cosigner
			if err := json.Unmarshal(v, &c); err != nil {
				return errors.Wrapf(ErrInvalidCosigner, "%s: %v", k, err)
			}
			out = append(out, &c)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out, nil
}

// ActiveCosigners returns the cosigners in the ACTIVE state.
func (p *PKI) ActiveCosigners() ([]*Cosigner, error) {
	all, err := p.Cosigners()
	if err != nil {
		return nil, err
	}
	return lo.Filter(all, func(c *Cosigner, _ int) bool {
		return c.State == CosignerActive
	}), nil
}

// Cosigner returns the registration of domain.
func (p *PKI) Cosigner(domain string) (*Cosigner, error) {
	var c *Cosigner
	err := p.store.With(func(db kv.DB) (err error) {
		c, err = loadCosigner(p.registry(db), domain)
		return err
	})
	return c, err
}

// AddCosigner registers or reactivates domain with the server keystore
// ks under id. An active domain keeps its uuid; registering it again
// under the same uuid replaces its keystore.
func (p *PKI) AddCosigner(domain, id string, ks *keystore.KeyStore, ip string) error {
	if domain == "" {
		return errors.Wrap(ErrInvalidCosigner, "missing domain")
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return errors.Wrapf(ErrInvalidCosigner, "uuid %q: %v", id, err)
	}
	if ks == nil {
		return errors.Wrap(ErrInvalidCosigner, "missing key store")
	}
	ks = ks.PublicView()
	if err := ks.Validate(); err != nil {
		return errors.Wrap(ErrInvalidCosigner, err.Error())
	}

	p.registryMu.Lock()
	defer p.registryMu.Unlock()
	return p.store.With(func(db kv.DB) error {
		ns := p.registry(db)
		c, err := loadCosigner(ns, domain)
		switch {
		case errors.Is(err, ErrCosignerNotFound):
			c = &Cosigner{Domain: domain}
		case err != nil:
			return err
		case c.State == CosignerActive && c.UUID != parsed.String():
			return errors.Wrapf(ErrCosignerUUIDMismatch, "%s is bound to %s", domain, c.UUID)
		}
		c.UUID = parsed.String()
		c.KeyStore = ks
		c.State = CosignerActive
		if ip != "" {
			c.IP = ip
		}
		p.cosignatures.Purge()
		return p.storeCosigner(ns, c)
	})
}

// RemoveCosigner marks domain as deleted. id must match the uuid the
// domain is registered under.
func (p *PKI) RemoveCosigner(domain, id string) error {
	p.registryMu.Lock()
	defer p.registryMu.Unlock()
	return p.store.With(func(db kv.DB) error {
		ns := p.registry(db)
		c, err := loadCosigner(ns, domain)
		if err != nil {
			return err
		}
		if c.UUID != id {
			return errors.Wrapf(ErrCosignerUUIDMismatch, "%s is bound to %s", domain, c.UUID)
		}
		c.State = CosignerDeleted
		return p.storeCosigner(ns, c)
	})
}

// countCosignerCall records a request to, and optionally a response
// from, domain.
func (p *PKI) countCosignerCall(domain string, responded bool) {
	p.registryMu.Lock()
	defer p.registryMu.Unlock()
	err := p.store.With(func(db kv.DB) error {
		ns := p.registry(db)
		c, err := loadCosigner(ns, domain)
		if err != nil {
			return err
		}
		c.RequestCount++
		if responded {
			c.ResponseCount++
		}
		return p.storeCosigner(ns, c)
	})
	if err != nil {
		p.log.Warn("Cannot update cosigner counters", "cosigner", domain, "error", err.Error())
	}
}
