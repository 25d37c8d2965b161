package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFieldPatch_Apply(t *testing.T) {
	obj := &StoredObject{Subclass: "Note"}

	(&FieldPatch{
		Version: 1,
		Fields: map[string]Field{
			"title":  {Kind: FieldString, String: "a"},
			"parent": {Kind: FieldPointer, Subclass: "Note", ID: "p"},
		},
	}).Apply(obj)

	(&FieldPatch{
		Version: 3,
		Fields:  map[string]Field{"title": {Kind: FieldString, String: "b"}},
		Cleared: []string{"parent", "never-set"},
	}).Apply(obj)

	assert.Equal(t, map[string]Field{"title": {Kind: FieldString, String: "b"}}, obj.Fields)
	assert.Equal(t, map[string]int64{"title": 3, "parent": 3, "never-set": 3}, obj.Versions)
}

func TestStoredObject_BeforeCreateAssignsKSUID(t *testing.T) {
	obj := &StoredObject{}
	require.NoError(t, obj.BeforeCreate(nil))
	assert.Len(t, obj.ID, 27)

	kept := &StoredObject{ID: "fixed"}
	require.NoError(t, kept.BeforeCreate(nil))
	assert.Equal(t, "fixed", kept.ID)

	assert.Equal(t, "synced_objects", StoredObject{}.TableName())
}
