// Package modelcfg resolves the effective generation settings for a session
// by layering the base model config, the model family block and the
// session's own selections.
package modelcfg

import "strings"

// Family groups models that share a config block
type Family int

const (
	FamilyNone Family = iota
	FamilyV3
	FamilyV4
	FamilyV45
)

func (f Family) String() string {
	switch f {
	case FamilyV3:
		return "NAI V3"
	case FamilyV4:
		return "NAI V4"
	case FamilyV45:
		return "NAI V4.5"
	default:
		return "none"
	}
}

// Section returns the config section holding the family overrides
func (f Family) Section() string {
	switch f {
	case FamilyV3:
		return "model_nai3"
	case FamilyV4:
		return "model_nai4"
	case FamilyV45:
		return "model_nai4_5"
	default:
		return ""
	}
}

// Longest marker first so 4-5 is never mistaken for 4. Markers may appear
// anywhere in the identifier, e.g. "novelai/nai-diffusion-4-5-full".
var familyMarkers = []struct {
	marker string
	family Family
}{
	{"nai-diffusion-4-5", FamilyV45},
	{"nai-diffusion-4", FamilyV4},
	{"nai-diffusion-3", FamilyV3},
}

// Classify maps a model identifier to its family
func Classify(model string) Family {
	model = strings.TrimSpace(model)
	for _, p := range familyMarkers {
		if strings.Contains(model, p.marker) {
			return p.family
		}
	}
	return FamilyNone
}

// ModelCode is a short alias accepted by /nai set
type ModelCode struct {
	Code  string
	Model string
}

var modelCodes = []ModelCode{
	{"3", "nai-diffusion-3"},
	{"3f", "nai-diffusion-3-furry"},
	{"4c", "nai-diffusion-4-curated"},
	{"4", "nai-diffusion-4-full"},
	{"4.5c", "nai-diffusion-4-5-curated"},
	{"4.5", "nai-diffusion-4-5-full"},
}

// LookupCode returns the model for a short code
func LookupCode(code string) (string, bool) {
	code = strings.ToLower(strings.TrimSpace(code))
	for _, c := range modelCodes {
		if c.Code == code {
			return c.Model, true
		}
	}
	return "", false
}

// Codes lists the accepted short codes in display order
func Codes() []ModelCode {
	out := make([]ModelCode, len(modelCodes))
	copy(out, modelCodes)
	return out
}
