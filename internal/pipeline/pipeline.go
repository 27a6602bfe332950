// Package pipeline defines the Pipeline entity: a validated name, an
// ordered stage list with engine-inserted integrity stages, and the
// forward/restore stage-list derivation the orchestrator runs against.
package pipeline

import (
	"regexp"
	"strings"

	"github.com/FairForge/adapipe/internal/perrors"
	"github.com/FairForge/adapipe/internal/stage"
	"github.com/oklog/ulid/v2"
)

var reservedNames = map[string]bool{
	"help": true, "version": true, "list": true, "show": true,
	"create": true, "delete": true, "update": true, "config": true,
}

var (
	separatorRe    = regexp.MustCompile(`[\s_./]+`)
	nonAlnumDashRe = regexp.MustCompile(`[^a-z0-9-]`)
	repeatedDashRe = regexp.MustCompile(`-{2,}`)
)

// NormalizeName trims, lowercases, replaces separators with '-', strips
// remaining non-alphanumerics, and collapses repeated dashes.
func NormalizeName(name string) string {
	n := strings.TrimSpace(strings.ToLower(name))
	n = separatorRe.ReplaceAllString(n, "-")
	n = nonAlnumDashRe.ReplaceAllString(n, "")
	n = repeatedDashRe.ReplaceAllString(n, "-")
	return strings.Trim(n, "-")
}

// ValidateName normalizes and validates a pipeline name against the
// length and reserved-word rules.
func ValidateName(name string) (string, error) {
	n := NormalizeName(name)
	if len(n) < 4 {
		return "", perrors.NewInvalidConfiguration("pipeline name %q is too short after normalization (minimum 4 characters)", name)
	}
	if reservedNames[n] {
		return "", perrors.NewInvalidConfiguration("pipeline name %q is reserved", n)
	}
	return n, nil
}

// PipelineStage is one entry in a Pipeline's ordered stage list.
type PipelineStage struct {
	name          string
	order         int
	stageType     stage.Type
	position      stage.Position
	configuration stage.Configuration
}

func (s PipelineStage) Name() string                       { return s.name }
func (s PipelineStage) Order() int                          { return s.order }
func (s PipelineStage) StageType() stage.Type               { return s.stageType }
func (s PipelineStage) Position() stage.Position            { return s.position }
func (s PipelineStage) RequiresChecksum() bool              { return s.stageType == stage.TypeChecksum }
func (s PipelineStage) Configuration() stage.Configuration  { return s.configuration }

// NewUserStage constructs a stage for the interior of a pipeline, as
// opposed to the engine-inserted checksum bookends.
func NewUserStage(name string, stageType stage.Type, position stage.Position, cfg stage.Configuration) PipelineStage {
	return PipelineStage{name: name, stageType: stageType, position: position, configuration: cfg}
}

func checksumStage(name string) PipelineStage {
	return PipelineStage{
		name:      name,
		stageType: stage.TypeChecksum,
		position:  stage.Any,
		configuration: stage.Configuration{
			Name: name, Algorithm: "sha256", Operation: stage.Forward,
		},
	}
}

// Pipeline is the validated, immutable entity: a normalized name, a dense
// ordered stage list with engine-inserted integrity bookends, and an
// identifier.
type Pipeline struct {
	id     ulid.ULID
	name   string
	stages []PipelineStage
}

// New validates name, builds the full stage list
// [input_checksum, ...userStages, output_checksum], reassigns orders
// densely from 0, and checks stage-name uniqueness.
func New(name string, userStages []PipelineStage) (Pipeline, error) {
	normalized, err := ValidateName(name)
	if err != nil {
		return Pipeline{}, err
	}

	full := make([]PipelineStage, 0, len(userStages)+2)
	full = append(full, checksumStage("input_checksum"))
	full = append(full, userStages...)
	full = append(full, checksumStage("output_checksum"))

	seen := make(map[string]bool, len(full))
	for i := range full {
		full[i].order = i
		if seen[full[i].name] {
			return Pipeline{}, perrors.NewInvalidConfiguration("duplicate stage name %q", full[i].name)
		}
		seen[full[i].name] = true
	}

	return Pipeline{id: ulid.Make(), name: normalized, stages: full}, nil
}

// NewWithID rebuilds a Pipeline with a known id, used when reconstructing
// from the repository.
func NewWithID(id ulid.ULID, name string, userStages []PipelineStage) (Pipeline, error) {
	p, err := New(name, userStages)
	if err != nil {
		return Pipeline{}, err
	}
	p.id = id
	return p, nil
}

func (p Pipeline) ID() ulid.ULID           { return p.id }
func (p Pipeline) Name() string            { return p.name }
func (p Pipeline) Stages() []PipelineStage { return p.stages }

// UserStages returns the interior stages, excluding the engine-inserted
// input/output checksum bookends.
func (p Pipeline) UserStages() []PipelineStage {
	if len(p.stages) <= 2 {
		return nil
	}
	return p.stages[1 : len(p.stages)-1]
}

// PresetName identifies one of the built-in standard pipeline shapes.
type PresetName string

const (
	PresetSmart       PresetName = "smart"
	PresetArchive     PresetName = "archive"
	PresetHPC         PresetName = "hpc"
	PresetEnterprise  PresetName = "enterprise"
	PresetPassthrough PresetName = "passthrough"
)

// PresetKeyMaterial supplies the key parameters a preset's encryption stage
// needs. A field left empty omits that parameter from the stage's
// configuration rather than writing an empty string, so a caller that fills
// it in later (or an auto-key-generation step) sees an absent key, not a
// blank one.
type PresetKeyMaterial struct {
	// Key is a base64-encoded symmetric key, used by every preset except
	// enterprise and passthrough.
	Key string
	// PeerPublicKey is a base64-encoded ML-KEM-768 public key, used only by
	// the enterprise preset's hybrid post-quantum encryption stage.
	PeerPublicKey string
}

func symmetricEncryptStage(key string) PipelineStage {
	cfg := stage.Configuration{Name: "encrypt", Algorithm: "aes256gcm"}
	if key != "" {
		cfg.Parameters = map[string]string{"key": key}
	}
	return NewUserStage("encrypt", stage.TypeEncryption, stage.PostBinary, cfg)
}

// PresetStages builds a preset's interior stage list (no checksum bookends —
// New adds those), mirroring the teacher's ConfigSmartStorage / ConfigArchive
// / ConfigHPC / ConfigEnterprise / ConfigPassthrough shape: smart balances
// compression ratio against speed (zstd), archive favors ratio over speed
// (brotli), hpc skips compression entirely for raw throughput, enterprise
// adds hybrid post-quantum encryption on top of compression, and passthrough
// runs no user stages at all.
func PresetStages(preset PresetName, km PresetKeyMaterial) ([]PipelineStage, error) {
	switch preset {
	case PresetSmart:
		return []PipelineStage{
			NewUserStage("compress", stage.TypeCompression, stage.PostBinary, stage.Configuration{Name: "compress", Algorithm: "zstd"}),
			symmetricEncryptStage(km.Key),
		}, nil
	case PresetArchive:
		return []PipelineStage{
			NewUserStage("compress", stage.TypeCompression, stage.PostBinary, stage.Configuration{Name: "compress", Algorithm: "brotli"}),
			symmetricEncryptStage(km.Key),
		}, nil
	case PresetHPC:
		return []PipelineStage{symmetricEncryptStage(km.Key)}, nil
	case PresetEnterprise:
		cfg := stage.Configuration{Name: "encrypt", Algorithm: "mlkem768"}
		if km.PeerPublicKey != "" {
			cfg.Parameters = map[string]string{"peer_public_key": km.PeerPublicKey}
		}
		return []PipelineStage{
			NewUserStage("compress", stage.TypeCompression, stage.PostBinary, stage.Configuration{Name: "compress", Algorithm: "zstd"}),
			NewUserStage("encrypt", stage.TypeEncryption, stage.PostBinary, cfg),
		}, nil
	case PresetPassthrough:
		return nil, nil
	default:
		return nil, perrors.NewInvalidConfiguration("unknown preset %q", preset)
	}
}

// NewPreset builds a named Pipeline from one of the standard presets.
func NewPreset(preset PresetName, name string, km PresetKeyMaterial) (Pipeline, error) {
	stages, err := PresetStages(preset, km)
	if err != nil {
		return Pipeline{}, err
	}
	return New(name, stages)
}

// RestoreStages returns the inverse pipeline for the restore path: the
// user stages in reverse order with their Operation flipped to Reverse. No
// reversibility check is made here. Checksum stages are not included;
// restore verifies the reconstructed file against the header's recorded
// original digest rather than recomputing a forward-direction one.
func (p Pipeline) RestoreStages() []PipelineStage {
	user := p.UserStages()
	out := make([]PipelineStage, 0, len(user))
	for i := len(user) - 1; i >= 0; i-- {
		s := user[i]
		if s.stageType == stage.TypeChecksum {
			continue
		}
		cfg := s.configuration
		cfg.Operation = stage.Reverse
		out = append(out, PipelineStage{
			name: s.name, stageType: s.stageType, position: s.position,
			configuration: cfg,
		})
	}
	return out
}
