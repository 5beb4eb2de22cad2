package dbconfig

import (
	"fmt"

	memdb "github.com/hashicorp/go-memdb"
)

const (
	tableInstance = "instance"
	tableSection  = "section"
)

// workingSet holds an indexed, swappable copy of all initialized instances
// and sections. Preview validation replaces a single object in the set and
// recompiles, without touching the datastore.
type workingSet struct {
	db *memdb.MemDB
}

func stateSchema() *memdb.DBSchema {
	idIndex := func() *memdb.IndexSchema {
		return &memdb.IndexSchema{
			Name:   "id",
			Unique: true,
			Indexer: &memdb.CompoundIndex{
				Indexes: []memdb.Indexer{
					&memdb.StringFieldIndex{Field: "Datacenter"},
					&memdb.StringFieldIndex{Field: "Name"},
				},
			},
		}
	}
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableInstance: {
				Name:    tableInstance,
				Indexes: map[string]*memdb.IndexSchema{"id": idIndex()},
			},
			tableSection: {
				Name:    tableSection,
				Indexes: map[string]*memdb.IndexSchema{"id": idIndex()},
			},
		},
	}
}

func newWorkingSet(instances []*Instance, sections []*Section) (*workingSet, error) {
	db, err := memdb.NewMemDB(stateSchema())
	if err != nil {
		return nil, err
	}
	txn := db.Txn(true)
	defer txn.Abort()
	for _, inst := range instances {
		if err := txn.Insert(tableInstance, inst); err != nil {
			return nil, fmt.Errorf("indexing instance %s: %w", inst.Name, err)
		}
	}
	for _, sec := range sections {
		if err := txn.Insert(tableSection, sec); err != nil {
			return nil, fmt.Errorf("indexing section %s: %w", sec.Name, err)
		}
	}
	txn.Commit()
	return &workingSet{db: db}, nil
}

// replaceInstance swaps an instance in the set; same (datacenter, name)
// overwrites.
func (ws *workingSet) replaceInstance(v *Instance) error {
	txn := ws.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(tableInstance, v); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (ws *workingSet) replaceSection(v *Section) error {
	txn := ws.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(tableSection, v); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (ws *workingSet) instances() ([]*Instance, error) {
	txn := ws.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(tableInstance, "id")
	if err != nil {
		return nil, err
	}
	var res []*Instance
	for obj := it.Next(); obj != nil; obj = it.Next() {
		res = append(res, obj.(*Instance))
	}
	return res, nil
}

func (ws *workingSet) sections() ([]*Section, error) {
	txn := ws.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(tableSection, "id")
	if err != nil {
		return nil, err
	}
	var res []*Section
	for obj := it.Next(); obj != nil; obj = it.Next() {
		res = append(res, obj.(*Section))
	}
	return res, nil
}
