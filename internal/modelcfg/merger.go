package modelcfg

import (
	"errors"
	"fmt"
	"strings"

	"dario.cat/mergo"
	log "github.com/sirupsen/logrus"

	"nai-bot/internal/config"
	"nai-bot/internal/session"
)

const defaultSize = "1024x1280"

// ErrMissingBaseURL is returned when [model].base_url is not configured
var ErrMissingBaseURL = errors.New("model.base_url is not configured")

// Selections exposes the session overrides the merger reads
type Selections interface {
	SelectedModel(key session.Key) (string, bool)
	SelectedArtistPreset(key session.Key) (int, bool)
}

// Effective is the flattened configuration for one generation request
type Effective struct {
	Model   string
	Family  Family
	BaseURL string
	APIKey  string
	// Endpoint is the path appended to BaseURL
	Endpoint string
	Timeout  int

	ArtistPrompt      string
	ArtistPresetName  string
	Size              string
	CFG               *float64
	NoiseSchedule     string
	NoCache           *int
	Sampler           string
	Steps             *int
	GuidanceScale     *float64
	CustomPromptAdd   string
	NegativePromptAdd string
	SelfiePromptAdd   string
	ExtraParams       map[string]any
}

// Merger resolves Effective configs from static config and session state
type Merger struct {
	cfg        *config.Config
	selections Selections
}

// NewMerger creates a merger
func NewMerger(cfg *config.Config, selections Selections) *Merger {
	return &Merger{cfg: cfg, selections: selections}
}

// EffectiveModel returns the model the session would generate with
func (m *Merger) EffectiveModel(key session.Key) string {
	if selected, ok := m.selections.SelectedModel(key); ok && selected != "" {
		return selected
	}
	return m.cfg.Model.DefaultModel
}

// Presets lists the artist presets of the session's effective family
func (m *Merger) Presets(key session.Key) (Family, []config.ArtistPreset) {
	family := Classify(m.EffectiveModel(key))
	block := m.familyBlock(family)
	if block == nil {
		return family, nil
	}
	return family, block.ArtistPresets
}

// Resolve layers base config, family block and session selections
func (m *Merger) Resolve(key session.Key) (*Effective, error) {
	base := m.cfg.Model
	if strings.TrimSpace(base.BaseURL) == "" {
		return nil, ErrMissingBaseURL
	}

	model := m.EffectiveModel(key)
	family := Classify(model)
	entry := log.WithFields(log.Fields{"session": key.String(), "model": model, "family": family.String()})

	// Shallow copy; pointers are replaced, never written through
	params := base.ModelParams
	params.ExtraParams = nil

	extra := make(map[string]any, len(base.ExtraParams))
	for k, v := range base.ExtraParams {
		extra[k] = v
	}

	block := m.familyBlock(family)
	if block != nil {
		override := block.ModelParams
		override.ExtraParams = nil
		if err := mergo.Merge(&params, override, mergo.WithOverride, mergo.WithoutDereference); err != nil {
			return nil, fmt.Errorf("failed to merge %s block: %w", family.Section(), err)
		}
		for k, v := range block.ExtraParams {
			extra[k] = v
		}
		entry.Debugf("Merged [%s] overrides", family.Section())
	}

	eff := &Effective{
		Model:             model,
		Family:            family,
		BaseURL:           strings.TrimRight(base.BaseURL, "/"),
		APIKey:            base.APIKey,
		Endpoint:          base.Endpoint,
		Timeout:           base.Timeout,
		ArtistPrompt:      deref(params.ArtistPrompt),
		CFG:               params.CFG,
		NoiseSchedule:     deref(params.NoiseSchedule),
		NoCache:           params.NoCache,
		Sampler:           deref(params.Sampler),
		Steps:             params.Steps,
		GuidanceScale:     params.GuidanceScale,
		CustomPromptAdd:   deref(params.CustomPromptAdd),
		NegativePromptAdd: deref(params.NegativePromptAdd),
		SelfiePromptAdd:   deref(params.SelfiePromptAdd),
		ExtraParams:       extra,
	}
	if eff.Endpoint == "" {
		eff.Endpoint = "/generate"
	}

	switch {
	case deref(params.Size) != "":
		eff.Size = deref(params.Size)
	case deref(params.DefaultSize) != "":
		eff.Size = deref(params.DefaultSize)
	default:
		eff.Size = defaultSize
	}

	if block != nil && len(block.ArtistPresets) > 0 {
		if idx, ok := m.selections.SelectedArtistPreset(key); ok {
			// The index may have been chosen under another family
			if idx < 1 || idx > len(block.ArtistPresets) {
				entry.Warnf("Artist preset %d out of range for %s (%d presets), using preset 1",
					idx, family, len(block.ArtistPresets))
				idx = 1
			}
			preset := block.ArtistPresets[idx-1]
			eff.ArtistPrompt = preset.Prompt
			eff.ArtistPresetName = preset.Name
		}
	}

	return eff, nil
}

func (m *Merger) familyBlock(f Family) *config.FamilyConfig {
	switch f {
	case FamilyV3:
		return &m.cfg.ModelNAI3
	case FamilyV4:
		return &m.cfg.ModelNAI4
	case FamilyV45:
		return &m.cfg.ModelNAI45
	default:
		return nil
	}
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
