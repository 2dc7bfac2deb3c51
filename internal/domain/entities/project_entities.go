package entities

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// CommunityPayout is one entry of a community-keyed payout address map
type CommunityPayout struct {
	CommunityID string
	Address     string
}

// PayoutAddressField holds a project's payout address, which the backend
// sends either as a plain string or as an object keyed by community id.
// Object key order is preserved.
type PayoutAddressField struct {
	Direct    string
	IsDirect  bool
	Community []CommunityPayout
}

// DirectPayout builds a field holding a plain address
func DirectPayout(addr string) PayoutAddressField {
	return PayoutAddressField{Direct: addr, IsDirect: true}
}

// CommunityPayouts builds a field from ordered community entries
func CommunityPayouts(entries ...CommunityPayout) PayoutAddressField {
	return PayoutAddressField{Community: entries}
}

// IsEmpty reports whether no payout information is present
func (f PayoutAddressField) IsEmpty() bool {
	return !f.IsDirect && len(f.Community) == 0
}

// UnmarshalJSON accepts a string, an object of strings, or null
func (f *PayoutAddressField) UnmarshalJSON(data []byte) error {
	*f = PayoutAddressField{}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}

	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		f.Direct = s
		f.IsDirect = true
		return nil
	case '{':
		return f.decodeObject(trimmed)
	default:
		// numbers, arrays and booleans carry no usable address
		return nil
	}
}

func (f *PayoutAddressField) decodeObject(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	if _, err := dec.Token(); err != nil {
		return err
	}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("unexpected payout address key %v", keyTok)
		}

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return err
		}
		var value string
		if err := json.Unmarshal(raw, &value); err != nil {
			value = ""
		}
		f.Community = append(f.Community, CommunityPayout{CommunityID: key, Address: value})
	}
	_, err := dec.Token()
	return err
}

// MarshalJSON writes the field back in the shape it was received
func (f PayoutAddressField) MarshalJSON() ([]byte, error) {
	if f.IsDirect {
		return json.Marshal(f.Direct)
	}
	if len(f.Community) == 0 {
		return []byte("null"), nil
	}

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, entry := range f.Community {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(entry.CommunityID)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(entry.Address)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// GrantDetails is the part of a grant's details that matters for payouts
type GrantDetails struct {
	PayoutAddress string `json:"payoutAddress,omitempty"`
}

// Grant is a funding grant attached to a project
type Grant struct {
	UID          string       `json:"uid"`
	CommunityUID string       `json:"communityUID,omitempty"`
	Details      GrantDetails `json:"details"`
}

// ProjectFunding is the project metadata needed to route donations
type ProjectFunding struct {
	UID           string             `json:"uid"`
	Title         string             `json:"title"`
	Slug          string             `json:"slug,omitempty"`
	ImageURL      string             `json:"imageURL,omitempty"`
	PayoutAddress PayoutAddressField `json:"payoutAddress"`
	Grants        []Grant            `json:"grants,omitempty"`
	Owner         string             `json:"owner,omitempty"`
}
