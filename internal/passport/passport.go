// Package passport implements the signed, tamper-evident bundle of a
// player's transferable state. A passport is minted by the source
// server at transfer time and consumed exactly once by the destination
// server's import policy engine; it is never trusted at face value.
package passport

import "encoding/json"

type Item struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Quantity int    `json:"quantity"`
}

type Passport struct {
	Name       string   `json:"name"`
	Appearance string   `json:"appearance,omitempty"`
	Health     int      `json:"health"`
	Level      int      `json:"level"`
	Inventory  []Item   `json:"inventory,omitempty"` // order is significant
	Abilities  []string `json:"abilities,omitempty"`
	Currency   int64    `json:"currency"`
	Origin     string   `json:"origin"` // source world id
}

// CanonicalBytes is the byte sequence the transfer signature covers
// (together with the destination). Struct-order JSON marshalling of the
// same passport always produces the same bytes.
func (p Passport) CanonicalBytes() ([]byte, error) {
	return json.Marshal(p)
}

// DisplayName of an item in notifications: the human name when the
// source provided one, otherwise the id.
func (it Item) DisplayName() string {
	if it.Name != "" {
		return it.Name
	}
	return it.ID
}
