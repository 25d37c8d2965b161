package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Reference types accepted in value pairs.
const (
	RefGlobal = "global"
	RefLocal  = "local"
	RefNull   = "null"
)

// RefSpec designates an object on the wire.
type RefSpec struct {
	Type     string `json:"type,omitempty"`
	Subclass string `json:"subclass"`
	ID       string `json:"id"`
}

// ValuePair is one [key, value] entry. Value is a string, a float64 or a
// *RefSpec.
type ValuePair struct {
	Key   string
	Value any
}

func (p ValuePair) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{p.Key, p.Value})
}

func (p *ValuePair) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil || len(raw) != 2 {
		return fmt.Errorf("value must be a [key, value] pair")
	}
	if err := json.Unmarshal(raw[0], &p.Key); err != nil {
		return fmt.Errorf("value key must be a string")
	}

	value := bytes.TrimSpace(raw[1])
	if len(value) == 0 || bytes.Equal(value, []byte("null")) {
		return fmt.Errorf("value of %q is empty", p.Key)
	}
	switch value[0] {
	case '"':
		var s string
		if err := json.Unmarshal(value, &s); err != nil {
			return fmt.Errorf("value of %q: %w", p.Key, err)
		}
		p.Value = s
	case '{':
		var ref RefSpec
		if err := json.Unmarshal(value, &ref); err != nil {
			return fmt.Errorf("value of %q: %w", p.Key, err)
		}
		p.Value = &ref
	default:
		var f float64
		if err := json.Unmarshal(value, &f); err != nil {
			return fmt.Errorf("value of %q must be a string, a number or a reference", p.Key)
		}
		p.Value = f
	}
	return nil
}

// ObjectState is the full state of an object at some sequence.
type ObjectState struct {
	Subclass string      `json:"subclass"`
	ID       string      `json:"id"`
	Version  int64       `json:"version"`
	Values   []ValuePair `json:"values"`
}

// QueryRef identifies a live query.
type QueryRef struct {
	ID string `json:"id"`
}

// CreationEvent announces a new object to a subscriber.
type CreationEvent struct {
	Subclass   string        `json:"subclass"`
	ID         string        `json:"id"`
	Version    int64         `json:"version"`
	Values     []ValuePair   `json:"values"`
	Qualifying []string      `json:"qualifying"`
	Fetch      []ObjectState `json:"fetch"`
}

// UpdateEvent carries changed keys of an object.
type UpdateEvent struct {
	Subclass      string        `json:"subclass"`
	ID            string        `json:"id"`
	Version       int64         `json:"version"`
	Values        []ValuePair   `json:"values"`
	Qualifying    []string      `json:"qualifying,omitempty"`
	Disqualifying []string      `json:"disqualifying,omitempty"`
	Fetch         []ObjectState `json:"fetch,omitempty"`
}

// DeletionEvent announces that an object is gone.
type DeletionEvent struct {
	Subclass      string   `json:"subclass"`
	ID            string   `json:"id"`
	Disqualifying []string `json:"disqualifying"`
}

// PushBatch is a set of events delivered to one client. Connections that
// cannot push accumulate batches and merge them into the next response.
type PushBatch struct {
	Creations []CreationEvent `json:"creations,omitempty"`
	Updates   []UpdateEvent   `json:"updates,omitempty"`
	Deletions []DeletionEvent `json:"deletions,omitempty"`
}

// IsEmpty reports whether the batch carries no event.
func (b *PushBatch) IsEmpty() bool {
	return b == nil || len(b.Creations)+len(b.Updates)+len(b.Deletions) == 0
}

// Merge appends the events of other after the events of b.
func (b *PushBatch) Merge(other *PushBatch) {
	if other == nil {
		return
	}
	b.Creations = append(b.Creations, other.Creations...)
	b.Updates = append(b.Updates, other.Updates...)
	b.Deletions = append(b.Deletions, other.Deletions...)
}

// Pushed is embedded in every response so pending pushes can ride along.
type Pushed struct {
	PushBatch
}

// Attach merges pending pushes into the response.
func (p *Pushed) Attach(batch *PushBatch) {
	p.PushBatch.Merge(batch)
}

// Requests

type InitRequest struct {
	Session string `json:"session"`
}

type WatchRequest struct {
	Session  string `json:"session"`
	Subclass string `json:"subclass"`
}

type UnwatchRequest struct {
	Session string `json:"session"`
	ID      string `json:"id"`
}

type ForgetRequest struct {
	Session string    `json:"session"`
	Forget  []RefSpec `json:"forget"`
}

// ObjectSpec is a client-created object addressed by its local id.
type ObjectSpec struct {
	Subclass string      `json:"subclass"`
	ID       string      `json:"id"`
	Values   []ValuePair `json:"values"`
}

// UpdateSpec is a client edit based on Version.
type UpdateSpec struct {
	Subclass string      `json:"subclass"`
	ID       string      `json:"id"`
	Version  *int64      `json:"version"`
	Values   []ValuePair `json:"values"`
}

type SyncRequest struct {
	Session   string       `json:"session"`
	Creations []ObjectSpec `json:"creations,omitempty"`
	Deletions []RefSpec    `json:"deletions,omitempty"`
	Updates   []UpdateSpec `json:"updates,omitempty"`
}

// Responses

type EmptyResponse struct {
	Pushed
}

type WatchResponse struct {
	Query     QueryRef      `json:"query"`
	Qualified []ObjectState `json:"qualified"`
	Fetch     []ObjectState `json:"fetch"`
	Pushed
}

// AssignedID maps a client local id to the global id the store assigned.
type AssignedID struct {
	Subclass string `json:"subclass"`
	ID       string `json:"id"`
	Local    string `json:"local"`
}

type SyncResponse struct {
	IDs []AssignedID `json:"ids"`
	Pushed
}

// Forget results.
const (
	ForgetOK    = "ok"
	ForgetAbort = "abort"
)

type ForgetResponse struct {
	Result string `json:"result"`
	Pushed
}

type ErrorResponse struct {
	Error string `json:"error"`
}
