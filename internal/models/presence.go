package models

import (
	"strings"
	"time"
)

// Status describes where an identity is in the matchmaking lifecycle.
type Status string

const (
	StatusOnline    Status = "online"
	StatusSearching Status = "searching"
	StatusPaired    Status = "paired"
)

// Gender is the partner gender filter. GenderAny is the default and matches everyone.
type Gender string

const (
	GenderAny    Gender = "any"
	GenderMale   Gender = "male"
	GenderFemale Gender = "female"
)

// ParseGender повертає GenderAny для порожніх або невідомих значень.
func ParseGender(s string) Gender {
	switch Gender(strings.ToLower(strings.TrimSpace(s))) {
	case GenderMale:
		return GenderMale
	case GenderFemale:
		return GenderFemale
	default:
		return GenderAny
	}
}

// Role is the side an identity plays in the peer-to-peer handshake.
type Role string

const (
	// RoleInitiator found an already-waiting partner and sends the first offer.
	RoleInitiator Role = "initiator"
	// RoleResponder was waiting in the pool and answers the offer.
	RoleResponder Role = "responder"
)

// Preferences are the lightweight filters a user attaches to a search.
// Mode is not a soft filter: text and voice searchers never meet.
type Preferences struct {
	CollegeTag string      `json:"college_tag,omitempty"`
	GenderPref Gender      `json:"gender_pref,omitempty"`
	Mode       SessionMode `json:"mode,omitempty"`
}

// Normalize trims the college tag and fills empty filters with their defaults.
func (p Preferences) Normalize() Preferences {
	p.CollegeTag = strings.TrimSpace(p.CollegeTag)
	if p.GenderPref == "" {
		p.GenderPref = GenderAny
	}
	if p.Mode != ModeVoice {
		p.Mode = ModeText
	}
	return p
}

// CompatibleWith applies the soft intersection rule: for every filter, if either
// side specifies a non-default value, both sides must hold the same value.
func (p Preferences) CompatibleWith(other Preferences) bool {
	a, b := p.Normalize(), other.Normalize()
	if a.Mode != b.Mode {
		return false
	}
	if (a.CollegeTag != "" || b.CollegeTag != "") && !strings.EqualFold(a.CollegeTag, b.CollegeTag) {
		return false
	}
	if (a.GenderPref != GenderAny || b.GenderPref != GenderAny) && a.GenderPref != b.GenderPref {
		return false
	}
	return true
}

// PresenceRecord is the shared registry entry for one connected identity.
//
// Invariant: Partner != "" if and only if Status == StatusPaired, and the partner
// link is always symmetric once a pairing transaction has committed.
type PresenceRecord struct {
	Identity    string      `json:"identity"`
	Status      Status      `json:"status"`
	LastSeen    time.Time   `json:"last_seen"`
	Partner     string      `json:"partner,omitempty"`
	SessionID   string      `json:"session_id,omitempty"`
	Role        Role        `json:"role,omitempty"`
	Preferences Preferences `json:"preferences"`
}

// IsPaired reports whether the record currently holds a partner link.
func (r PresenceRecord) IsPaired() bool {
	return r.Status == StatusPaired && r.Partner != ""
}
