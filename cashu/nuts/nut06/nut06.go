// Package nut06 contains structs as defined in [NUT-06]
//
// [NUT-06]: https://github.com/cashubtc/nuts/blob/main/06.md
package nut06

type MintInfo struct {
	Name        string `json:"name"`
	Pubkey      string `json:"pubkey"`
	Version     string `json:"version"`
	Description string `json:"description"`
	Motd        string `json:"motd,omitempty"`
	Nuts        Nuts   `json:"nuts"`
}

type NutSetting struct {
	Methods  []MethodSetting `json:"methods"`
	Disabled bool            `json:"disabled"`
}

type MethodSetting struct {
	Method    string `json:"method"`
	Unit      string `json:"unit"`
	MinAmount uint64 `json:"min_amount,omitempty"`
	MaxAmount uint64 `json:"max_amount,omitempty"`
}

type Supported struct {
	Supported bool `json:"supported"`
}

// Nuts only lists the settings the recovery flow depends on.
// Unknown nuts in the response are ignored.
type Nuts struct {
	Nut04 NutSetting `json:"4"`
	Nut05 NutSetting `json:"5"`
	Nut07 Supported  `json:"7"`
	Nut09 Supported  `json:"9"`
}

// SupportsRestore reports whether the mint advertises both
// the restore (NUT-09) and the proof state check (NUT-07) endpoints.
func (mi MintInfo) SupportsRestore() bool {
	return mi.Nuts.Nut07.Supported && mi.Nuts.Nut09.Supported
}
