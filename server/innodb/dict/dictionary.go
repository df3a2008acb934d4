package dict

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/zhukovaskychina/xmysql-rowengine/logger"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/basic"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/btree"
	"github.com/zhukovaskychina/xmysql-rowengine/server/innodb/buffer_pool"
)

// ColumnDef 建表时的列定义
type ColumnDef struct {
	Name string
	LOB  bool
}

// IndexDef 建表时的二级索引定义
type IndexDef struct {
	Name    string
	Columns []string
}

// TableDef 建表定义
type TableDef struct {
	Name            string
	Columns         []ColumnDef
	PrimaryKey      []string
	Indexes         []IndexDef
	ExternThreshold int
	MaxLeafRecords  int
}

// Dictionary 数据字典：表与索引的元数据
type Dictionary struct {
	mu          sync.RWMutex
	bp          *buffer_pool.BufferPool
	tables      map[uint64]*Table
	names       map[string]*Table
	nextTableID uint64
	nextIndexID uint64
	log         *logrus.Entry
}

// NewDictionary 创建数据字典。表ID从1开始，表空间号与表ID相同，0号空间留给undo。
func NewDictionary(bp *buffer_pool.BufferPool) *Dictionary {
	return &Dictionary{
		bp:          bp,
		tables:      make(map[uint64]*Table),
		names:       make(map[string]*Table),
		nextTableID: 1,
		nextIndexID: 1,
		log:         logger.WithComponent("dict"),
	}
}

// CreateTable 建表并创建全部索引
func (d *Dictionary) CreateTable(def TableDef) (*Table, error) {
	if def.Name == "" || len(def.Columns) == 0 || len(def.PrimaryKey) == 0 {
		return nil, errors.Wrap(basic.ErrInvalidArgument, "table needs a name, columns and a primary key")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.names[def.Name]; ok {
		return nil, errors.Wrapf(basic.ErrDuplicateKey, "table %s exists", def.Name)
	}

	t := &Table{
		ID:              d.nextTableID,
		Name:            def.Name,
		Space:           basic.SpaceID(d.nextTableID),
		ExternThreshold: def.ExternThreshold,
	}
	if t.ExternThreshold <= 0 {
		t.ExternThreshold = DefaultExternThreshold
	}
	byName := make(map[string]int, len(def.Columns))
	for i, c := range def.Columns {
		if _, dup := byName[c.Name]; dup {
			return nil, errors.Wrapf(basic.ErrInvalidArgument, "duplicate column %s", c.Name)
		}
		byName[c.Name] = i
		t.Columns = append(t.Columns, Column{Name: c.Name, Pos: i, LOB: c.LOB})
	}
	cols := func(names []string) ([]int, error) {
		out := make([]int, 0, len(names))
		for _, n := range names {
			pos, ok := byName[n]
			if !ok {
				return nil, errors.Wrapf(basic.ErrInvalidArgument, "unknown column %s", n)
			}
			if t.Columns[pos].LOB {
				return nil, errors.Wrapf(basic.ErrInvalidArgument, "column %s stored externally cannot be indexed", n)
			}
			out = append(out, pos)
		}
		return out, nil
	}
	pk, err := cols(def.PrimaryKey)
	if err != nil {
		return nil, err
	}
	t.PK = pk

	clustCols := append([]int(nil), pk...)
	for i := range t.Columns {
		if !contains(pk, i) {
			clustCols = append(clustCols, i)
		}
	}
	if t.Clustered, err = d.newIndex(t, "PRIMARY", true, clustCols, len(pk), def.MaxLeafRecords); err != nil {
		return nil, err
	}
	for _, idef := range def.Indexes {
		sc, err := cols(idef.Columns)
		if err != nil {
			return nil, err
		}
		for _, p := range pk {
			if !contains(sc, p) {
				sc = append(sc, p)
			}
		}
		ix, err := d.newIndex(t, idef.Name, false, sc, len(sc), def.MaxLeafRecords)
		if err != nil {
			return nil, err
		}
		t.Secondary = append(t.Secondary, ix)
	}

	d.nextTableID++
	d.tables[t.ID] = t
	d.names[t.Name] = t
	d.log.WithField("table", t.Name).WithField("id", t.ID).Infof("created with %d secondary indexes", len(t.Secondary))
	return t, nil
}

func (d *Dictionary) newIndex(t *Table, name string, clustered bool, cols []int, nUnique, maxRecs int) (*Index, error) {
	ix := &Index{ID: d.nextIndexID, Name: name, Table: t, Clustered: clustered, Cols: cols, NUnique: nUnique}
	tree, err := btree.NewIndex(d.bp, btree.Options{
		ID:             ix.ID,
		Name:           t.Name + "." + name,
		Space:          t.Space,
		NUnique:        nUnique,
		MaxLeafRecords: maxRecs,
	})
	if err != nil {
		return nil, err
	}
	d.nextIndexID++
	ix.Tree = tree
	return ix, nil
}

func contains(xs []int, x int) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

// Table 按ID取表，表不存在或已删除时返回ErrTableMissing
func (d *Dictionary) Table(id uint64) (*Table, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.tables[id]
	if !ok || t.Dropped() {
		return nil, errors.Wrapf(basic.ErrTableMissing, "table id %d", id)
	}
	return t, nil
}

// TableByName 按名字取表
func (d *Dictionary) TableByName(name string) (*Table, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.names[name]
	if !ok {
		return nil, errors.Wrapf(basic.ErrTableMissing, "table %s", name)
	}
	return t, nil
}

// Drop 删除表。仍持有*Table的调用方通过Dropped()得知。
func (d *Dictionary) Drop(id uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tables[id]
	if !ok {
		return errors.Wrapf(basic.ErrTableMissing, "table id %d", id)
	}
	t.dropped.Store(true)
	delete(d.tables, id)
	delete(d.names, t.Name)
	d.log.WithField("table", t.Name).Info("dropped")
	return nil
}

// Tables 当前所有表
func (d *Dictionary) Tables() []*Table {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Table, 0, len(d.tables))
	for _, t := range d.tables {
		out = append(out, t)
	}
	return out
}
