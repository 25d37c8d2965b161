package models

import (
	"errors"
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

/*
LEARNING: ONE ROW PER SYNCED OBJECT

A synced object is a bag of keyed values whose shape differs per subclass,
so the row stores its fields as a JSON column instead of one column per key.
Next to each field the row keeps the version of the last write to that key.
Clearing a reference removes the field but keeps its version: the engine
compares versions per key to resolve conflicting updates, and a cleared key
still counts as written.
*/

// ErrObjectNotFound is returned by repositories for missing or deleted objects.
var ErrObjectNotFound = errors.New("object not found")

// FieldKind tags the variant stored in a Field.
type FieldKind string

const (
	FieldString  FieldKind = "string"
	FieldNumber  FieldKind = "number"
	FieldPointer FieldKind = "pointer"
)

// Field is a single stored value. Pointers carry the subclass and id of the
// referenced object.
type Field struct {
	Kind     FieldKind `json:"kind"`
	String   string    `json:"string,omitempty"`
	Number   float64   `json:"number,omitempty"`
	Subclass string    `json:"subclass,omitempty"`
	ID       string    `json:"id,omitempty"`
}

// StoredObject is the persisted form of a synced object
type StoredObject struct {
	ID        string           `json:"id" gorm:"type:char(27);primaryKey"`
	Subclass  string           `json:"subclass" gorm:"type:varchar(255);not null;index:idx_subclass"`
	Fields    map[string]Field `json:"fields" gorm:"serializer:json;type:text"`
	Versions  map[string]int64 `json:"versions" gorm:"serializer:json;type:text"`
	CreatedAt time.Time        `json:"created_at" gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time        `json:"updated_at" gorm:"column:updated_at;autoUpdateTime"`
	DeletedAt gorm.DeletedAt   `json:"deleted_at,omitempty" gorm:"column:deleted_at;index"` // Soft delete support
}

// BeforeCreate hook generates KSUID before inserting
func (o *StoredObject) BeforeCreate(tx *gorm.DB) error {
	if o.ID == "" {
		o.ID = ksuid.New().String()
	}
	return nil
}

// TableName override
func (StoredObject) TableName() string {
	return "synced_objects"
}

// FieldPatch writes Fields and clears Cleared, stamping every touched key
// with Version.
type FieldPatch struct {
	Version int64
	Fields  map[string]Field
	Cleared []string
}

// Apply merges the patch into o.
func (p *FieldPatch) Apply(o *StoredObject) {
	if o.Fields == nil {
		o.Fields = make(map[string]Field)
	}
	if o.Versions == nil {
		o.Versions = make(map[string]int64)
	}
	for key, f := range p.Fields {
		o.Fields[key] = f
		o.Versions[key] = p.Version
	}
	for _, key := range p.Cleared {
		delete(o.Fields, key)
		o.Versions[key] = p.Version
	}
}
