package vault

import (
	"errors"
	"fmt"
	"sort"
)

var errIndexConflict = errors.New("index conflict")

// groupKey addresses a by-group-name bucket. Records redirected from a
// reserved name live under the quarantined key, so a user group that is
// literally called InvalidGroupName stays separate.
type groupKey struct {
	name        string
	quarantined bool
}

func keyOf(r *Record) groupKey {
	return groupKey{name: r.Group, quarantined: r.Quarantined()}
}

// index holds the lookup structures derived from the record list.
type index struct {
	byID        map[uint64]*Record
	byGroupID   map[GroupID][]*Record // sorted by record ID
	byGroupName map[groupKey]map[string]*Record
	groupIDs    map[string]GroupID
	groupNames  map[GroupID]string
}

func newIndex() *index {
	return &index{
		byID:        make(map[uint64]*Record),
		byGroupID:   make(map[GroupID][]*Record),
		byGroupName: make(map[groupKey]map[string]*Record),
		groupIDs:    make(map[string]GroupID),
		groupNames:  make(map[GroupID]string),
	}
}

// buildIndex indexes records, failing on the first inconsistency.
func buildIndex(records []*Record) (*index, error) {
	idx := newIndex()
	for _, r := range records {
		if err := idx.insert(r); err != nil {
			return nil, err
		}
	}
	return idx, nil
}

// lookup returns the live record named item in the group at key.
func (idx *index) lookup(key groupKey, item string) (*Record, bool) {
	r, ok := idx.byGroupName[key][item]
	return r, ok
}

// insert adds r to every index. It leaves the index untouched on error.
func (idx *index) insert(r *Record) error {
	if _, ok := idx.byID[r.ID]; ok {
		return fmt.Errorf("%w: duplicate record id %d", errIndexConflict, r.ID)
	}
	key := keyOf(r)
	if _, ok := idx.byGroupName[key][r.Item]; ok {
		return ErrDuplicateItem
	}
	if !key.quarantined {
		if gid, ok := idx.groupIDs[r.Group]; ok && gid != r.GroupID {
			return fmt.Errorf("%w: group %q has ids %d and %d", errIndexConflict, r.Group, gid, r.GroupID)
		}
		if name, ok := idx.groupNames[r.GroupID]; ok && name != r.Group {
			return fmt.Errorf("%w: group id %d names %q and %q", errIndexConflict, r.GroupID, name, r.Group)
		}
	}

	idx.byID[r.ID] = r

	items, ok := idx.byGroupName[key]
	if !ok {
		items = make(map[string]*Record)
		idx.byGroupName[key] = items
	}
	items[r.Item] = r

	if key.quarantined {
		return nil
	}

	idx.groupIDs[r.Group] = r.GroupID
	idx.groupNames[r.GroupID] = r.Group

	members := idx.byGroupID[r.GroupID]
	i := sort.Search(len(members), func(i int) bool { return members[i].ID >= r.ID })
	members = append(members, nil)
	copy(members[i+1:], members[i:])
	members[i] = r
	idx.byGroupID[r.GroupID] = members

	return nil
}

// remove deletes r from every index. A group whose last member leaves is
// dropped from all of them.
func (idx *index) remove(r *Record) {
	delete(idx.byID, r.ID)

	key := keyOf(r)
	if items, ok := idx.byGroupName[key]; ok {
		delete(items, r.Item)
		if len(items) == 0 {
			delete(idx.byGroupName, key)
		}
	}

	if key.quarantined {
		return
	}

	members := idx.byGroupID[r.GroupID]
	i := sort.Search(len(members), func(i int) bool { return members[i].ID >= r.ID })
	if i < len(members) && members[i] == r {
		members = append(members[:i], members[i+1:]...)
	}
	if len(members) == 0 {
		delete(idx.byGroupID, r.GroupID)
		delete(idx.groupIDs, r.Group)
		delete(idx.groupNames, r.GroupID)
		return
	}
	idx.byGroupID[r.GroupID] = members
}

// sortedByID copies the records in items ordered by ID.
func sortedByID(items map[string]*Record) []Record {
	out := make([]Record, 0, len(items))
	for _, r := range items {
		out = append(out, r.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func sortGroups(groups []Group) {
	sort.Slice(groups, func(i, j int) bool { return groups[i].ID < groups[j].ID })
}
