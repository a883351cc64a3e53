package acm

// DefaultGroup is the sentinel group used when a caller omits one.
const DefaultGroup = "DEFAULT_GROUP"

// DefaultTenant is the sentinel tenant (namespace) used when a caller omits one.
const DefaultTenant = "DEFAULT_TENANT"

// CipherPrefix marks a dataId as subject to KMS envelope encryption.
const CipherPrefix = "cipher-"

// Key identifies a single configuration item. Two keys are equal iff all
// three components match byte-for-byte.
type Key struct {
	Tenant string
	Group  string
	DataID string
}

// NewKey builds a Key, filling in DefaultTenant/DefaultGroup when the
// corresponding argument is empty.
func NewKey(dataID, group, tenant string) Key {
	if group == "" {
		group = DefaultGroup
	}
	if tenant == "" {
		tenant = DefaultTenant
	}
	return Key{Tenant: tenant, Group: group, DataID: dataID}
}

// Ciphered reports whether this key's dataId carries the KMS cipher prefix.
func (k Key) Ciphered() bool {
	return len(k.DataID) >= len(CipherPrefix) && k.DataID[:len(CipherPrefix)] == CipherPrefix
}

// relPath returns the {tenant}, {group}, {dataId} path segments that lay a
// key out on disk under a snapshot/failover root.
func (k Key) relPath() []string {
	return []string{k.Tenant, k.Group, k.DataID}
}
