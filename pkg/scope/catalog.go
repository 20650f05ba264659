// Package scope defines the capability vocabulary for VSI constructs:
// the fixed catalog of propose-scopes, their paired write-scopes, and
// per-scope metadata. All lookups are pure and never error; an unknown
// scope simply yields a negative result.
package scope

// Scope is an opaque capability identifier. Propose-scopes name what a
// construct may request; write-scopes name what it may mutate once an
// approval has granted them.
type Scope string

// RiskLevel classifies the blast radius a construct declares for a
// proposed action.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Wildcard matches any scope or risk level in trust-policy sets.
const Wildcard = "*"

// Info is the per-scope metadata row.
type Info struct {
	// ReadOnly marks scopes that can never mutate state. A read-only
	// scope has no write counterpart.
	ReadOnly bool
	// RequiresApproval marks scopes whose proposals need a human
	// decision before execution.
	RequiresApproval bool
	// Write is the paired write-scope granted on approval. Empty for
	// read-only scopes.
	Write Scope
}

// Catalog is the fixed capability table shipped with the system.
// It is immutable after construction; lookups are safe for concurrent use.
type Catalog struct {
	table map[Scope]Info
}

// Propose-scope identifiers.
const (
	CapsuleRead   Scope = "capsule.read"
	MemoryRead    Scope = "memory.read"
	IdentityRead  Scope = "identity.read"
	MemoryWrite   Scope = "memory.write"
	CapsuleWrite  Scope = "capsule.write"
	IdentityWrite Scope = "identity.write"
	FileWrite     Scope = "file.write"
	ConfigWrite   Scope = "config.write"
)

// Write-scope identifiers, granted only through manifest approval.
const (
	MemoryWriteExec   Scope = "memory.write.exec"
	CapsuleWriteExec  Scope = "capsule.write.exec"
	IdentityWriteExec Scope = "identity.write.exec"
	FileWriteExec     Scope = "file.write.exec"
	ConfigWriteExec   Scope = "config.write.exec"
)

// Default returns the catalog shipped with the system.
func Default() *Catalog {
	return &Catalog{table: map[Scope]Info{
		CapsuleRead:  {ReadOnly: true},
		MemoryRead:   {ReadOnly: true},
		IdentityRead: {ReadOnly: true},

		MemoryWrite:   {RequiresApproval: true, Write: MemoryWriteExec},
		CapsuleWrite:  {RequiresApproval: true, Write: CapsuleWriteExec},
		IdentityWrite: {RequiresApproval: true, Write: IdentityWriteExec},
		FileWrite:     {RequiresApproval: true, Write: FileWriteExec},
		ConfigWrite:   {RequiresApproval: true, Write: ConfigWriteExec},

		MemoryWriteExec:   {},
		CapsuleWriteExec:  {},
		IdentityWriteExec: {},
		FileWriteExec:     {},
		ConfigWriteExec:   {},
	}}
}

// IsValid reports whether s exists in the catalog.
func (c *Catalog) IsValid(s Scope) bool {
	_, ok := c.table[s]
	return ok
}

// WriteScopeFor returns the write counterpart of a propose-scope, or ""
// if s is unknown or inherently read-only.
func (c *Catalog) WriteScopeFor(s Scope) Scope {
	return c.table[s].Write
}

// IsReadOnly reports whether s can never mutate state. Unknown scopes
// report false; callers must check IsValid first.
func (c *Catalog) IsReadOnly(s Scope) bool {
	return c.table[s].ReadOnly
}

// RequiresApproval reports whether proposals under s need a human
// decision before execution.
func (c *Catalog) RequiresApproval(s Scope) bool {
	return c.table[s].RequiresApproval
}

// ProposeScopes returns every scope a construct may propose under,
// i.e. everything that is not itself a write counterpart.
func (c *Catalog) ProposeScopes() []Scope {
	out := make([]Scope, 0, len(c.table))
	for s, info := range c.table {
		if info.ReadOnly || info.Write != "" {
			out = append(out, s)
		}
	}
	return out
}
