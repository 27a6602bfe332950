package main

import (
	"fmt"
	"strings"

	"github.com/FairForge/adapipe/internal/pipeline"
	"github.com/FairForge/adapipe/internal/stage"
)

// genericDefaults maps a generic stage keyword to the algorithm it expands
// to absent an explicit "type:algorithm" override.
var genericDefaults = map[string]string{
	"compression": "brotli",
	"encryption":  "aes256gcm",
	"checksum":    "sha256",
	"integrity":   "sha256",
	"passthrough": "passthrough",
}

var checksumKeywords = map[string]bool{"checksum": true, "integrity": true}

// parseStageToken resolves one --stages CSV token into a stage type,
// position, and algorithm, consulting registry for any algorithm it
// recognizes so the CLI never duplicates the registry's own classification.
// Unknown tokens become a PreBinary Transform stage named after the token
// itself (custom stage pass-through).
func parseStageToken(token string, registry *stage.Registry) (stage.Type, stage.Position, string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return 0, 0, "", fmt.Errorf("empty stage token")
	}

	typeHint, algorithm, explicit := "", token, false
	if idx := strings.IndexByte(token, ':'); idx >= 0 {
		typeHint = token[:idx]
		algorithm = token[idx+1:]
		explicit = true
		if algorithm == "" {
			return 0, 0, "", fmt.Errorf("stage token %q is missing an algorithm after %q", token, typeHint)
		}
	}

	keyword := token
	if explicit {
		keyword = typeHint
	}
	if checksumKeywords[keyword] {
		if !explicit {
			algorithm = genericDefaults["checksum"]
		}
		return stage.TypeChecksum, stage.Any, algorithm, nil
	}
	if !explicit {
		if def, ok := genericDefaults[keyword]; ok {
			algorithm = def
		}
	}

	if svc, err := registry.Lookup(algorithm); err == nil {
		return svc.Type(), svc.Position(), algorithm, nil
	}

	// Unrecognized algorithm: fall back to the explicit type hint if one
	// was given, else treat it as a custom transform.
	switch typeHint {
	case "compression":
		return stage.TypeCompression, stage.PostBinary, algorithm, nil
	case "encryption":
		return stage.TypeEncryption, stage.PostBinary, algorithm, nil
	case "passthrough":
		return stage.TypePassThrough, stage.Any, algorithm, nil
	}
	return stage.TypeTransform, stage.PreBinary, algorithm, nil
}

// parseStageSpec parses a full --stages CSV string into PipelineStages,
// each given a unique name derived from its algorithm and position in the
// list.
func parseStageSpec(csv string, registry *stage.Registry) ([]pipeline.PipelineStage, error) {
	tokens := strings.Split(csv, ",")
	stages := make([]pipeline.PipelineStage, 0, len(tokens))
	for i, tok := range tokens {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		stageType, position, algorithm, err := parseStageToken(tok, registry)
		if err != nil {
			return nil, err
		}
		name := fmt.Sprintf("%s-%d", algorithm, i)
		stages = append(stages, pipeline.NewUserStage(name, stageType, position, stage.Configuration{
			Name:      name,
			Algorithm: algorithm,
		}))
	}
	if len(stages) == 0 {
		return nil, fmt.Errorf("--stages produced no stages from %q", csv)
	}
	return stages, nil
}
