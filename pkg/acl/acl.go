// Package acl implements C4: attribute-level and record-level access
// control. An attribute ACL maps a role id to the sorted set of
// searchable and refining attribute positions that role may see; an
// attribute never mentioned by any role's ACL entry is accessible to
// everyone. Record-level ACL is a plain set-intersection between a
// record's allowed roles and the caller's role.
package acl

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"

	"github.com/cuemby/lexis/pkg/types"
)

// attrSet is a sorted, deduplicated set of attribute positions.
type attrSet []int

func (s attrSet) has(id int) bool {
	i := sort.SearchInts(s, id)
	return i < len(s) && s[i] == id
}

func insertSorted(s attrSet, id int) attrSet {
	i := sort.SearchInts(s, id)
	if i < len(s) && s[i] == id {
		return s
	}
	s = append(s, 0)
	copy(s[i+1:], s[i:])
	s[i] = id
	return s
}

func removeSorted(s attrSet, id int) attrSet {
	i := sort.SearchInts(s, id)
	if i < len(s) && s[i] == id {
		return append(s[:i], s[i+1:]...)
	}
	return s
}

type roleAttrs struct {
	searchable attrSet
	refining   attrSet
}

// ACL is a shard's attribute-level access control table. All write
// operations hold an exclusive lock; BuildAttributeFilter holds a shared
// lock, per spec.md §4.6.
type ACL struct {
	mu     sync.RWMutex
	byRole map[types.RoleID]*roleAttrs
}

// New returns an empty ACL table: no attribute is restricted until an
// Append names it under some role.
func New() *ACL {
	return &ACL{byRole: make(map[types.RoleID]*roleAttrs)}
}

func (a *ACL) entry(role types.RoleID) *roleAttrs {
	ra, ok := a.byRole[role]
	if !ok {
		ra = &roleAttrs{}
		a.byRole[role] = ra
	}
	return ra
}

// Append grants role access to the given searchable and refining
// attribute positions, in addition to whatever it already has.
func (a *ACL) Append(role types.RoleID, searchable, refining []int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ra := a.entry(role)
	for _, id := range searchable {
		ra.searchable = insertSorted(ra.searchable, id)
	}
	for _, id := range refining {
		ra.refining = insertSorted(ra.refining, id)
	}
}

// Delete revokes role's access to the given attribute positions.
func (a *ACL) Delete(role types.RoleID, searchable, refining []int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ra, ok := a.byRole[role]
	if !ok {
		return
	}
	for _, id := range searchable {
		ra.searchable = removeSorted(ra.searchable, id)
	}
	for _, id := range refining {
		ra.refining = removeSorted(ra.refining, id)
	}
}

// Replace first removes the given attributes from every other role,
// then appends them under each of roles, per spec.md §4.6.
func (a *ACL) Replace(roles []types.RoleID, searchable, refining []int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	keep := make(map[types.RoleID]bool, len(roles))
	for _, r := range roles {
		keep[r] = true
	}
	for role, ra := range a.byRole {
		if keep[role] {
			continue
		}
		for _, id := range searchable {
			ra.searchable = removeSorted(ra.searchable, id)
		}
		for _, id := range refining {
			ra.refining = removeSorted(ra.refining, id)
		}
	}
	for _, role := range roles {
		ra := a.entry(role)
		for _, id := range searchable {
			ra.searchable = insertSorted(ra.searchable, id)
		}
		for _, id := range refining {
			ra.refining = insertSorted(ra.refining, id)
		}
	}
}

// AttributeFilter is a per-query bitmap over a schema's attribute
// positions, consulted by isValidTermPositionHit during postings
// iteration (spec.md §4.6).
type AttributeFilter struct {
	Searchable []bool
	Refining   []bool
}

// SearchableAllowed reports whether the filter permits searchable
// attribute idx.
func (f AttributeFilter) SearchableAllowed(idx int) bool {
	return idx >= 0 && idx < len(f.Searchable) && f.Searchable[idx]
}

// RefiningAllowed reports whether the filter permits refining attribute
// idx.
func (f AttributeFilter) RefiningAllowed(idx int) bool {
	return idx >= 0 && idx < len(f.Refining) && f.Refining[idx]
}

// BuildAttributeFilter builds the bitmap for role against schema: an
// attribute not flagged ACL in the schema is always accessible;
// otherwise it's accessible only if role's entry names it.
func (a *ACL) BuildAttributeFilter(schema *types.Schema, role types.RoleID) AttributeFilter {
	a.mu.RLock()
	defer a.mu.RUnlock()

	ra := a.byRole[role]
	filter := AttributeFilter{
		Searchable: make([]bool, len(schema.Searchable)),
		Refining:   make([]bool, len(schema.Refining)),
	}
	for i, attr := range schema.Searchable {
		if !attr.ACL {
			filter.Searchable[i] = true
			continue
		}
		filter.Searchable[i] = ra != nil && ra.searchable.has(i)
	}
	for i, attr := range schema.Refining {
		if !attr.ACL {
			filter.Refining[i] = true
			continue
		}
		filter.Refining[i] = ra != nil && ra.refining.has(i)
	}
	return filter
}

// RecordAllowed implements record-level ACL: a record with no roles set
// is visible to everyone; otherwise the caller's role must intersect
// the record's allowed roles.
func RecordAllowed(record *types.Record, callerRole types.RoleID) bool {
	if len(record.Roles) == 0 {
		return true
	}
	for _, r := range record.Roles {
		if r == callerRole {
			return true
		}
	}
	return false
}

// ACLEntry is the bulk-load row shape for both CSV and JSON sources.
type ACLEntry struct {
	Role       types.RoleID `json:"role"`
	Searchable []int        `json:"searchable"`
	Refining   []int        `json:"refining"`
}

// LoadJSON bulk-loads ACL entries from a JSON array of ACLEntry, used on
// shard boot.
func (a *ACL) LoadJSON(r io.Reader) error {
	var entries []ACLEntry
	if err := json.NewDecoder(r).Decode(&entries); err != nil {
		return fmt.Errorf("acl: decode json: %w", err)
	}
	for _, e := range entries {
		a.Append(e.Role, e.Searchable, e.Refining)
	}
	return nil
}

// LoadCSV bulk-loads ACL entries from CSV rows of the form
// role,kind,attr_id where kind is "searchable" or "refining".
func (a *ACL) LoadCSV(r io.Reader) error {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = 3
	rows, err := cr.ReadAll()
	if err != nil {
		return fmt.Errorf("acl: read csv: %w", err)
	}
	for _, row := range rows {
		roleN, err := strconv.ParseUint(row[0], 10, 32)
		if err != nil {
			return fmt.Errorf("acl: parse role %q: %w", row[0], err)
		}
		attrID, err := strconv.Atoi(row[2])
		if err != nil {
			return fmt.Errorf("acl: parse attr id %q: %w", row[2], err)
		}
		role := types.RoleID(roleN)
		switch row[1] {
		case "searchable":
			a.Append(role, []int{attrID}, nil)
		case "refining":
			a.Append(role, nil, []int{attrID})
		default:
			return fmt.Errorf("acl: unknown attribute kind %q", row[1])
		}
	}
	return nil
}
