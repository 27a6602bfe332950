package main

import (
	"encoding/base64"
	"flag"
	"fmt"

	"github.com/FairForge/adapipe/internal/keymaterial"
	"github.com/FairForge/adapipe/internal/pipeline"
	"github.com/FairForge/adapipe/internal/repository"
	"github.com/FairForge/adapipe/internal/stage"
)

// symmetricKeySize is the key length, in bytes, auto-generated for
// algorithms that take a plain symmetric key rather than a keypair.
var symmetricKeySize = map[string]int{
	"aes256gcm":        32,
	"chacha20poly1305": 32,
}

func runCreate(args []string, env *cliEnv) error {
	fs := flag.NewFlagSet("create", flag.ContinueOnError)
	fs.SetOutput(env.stderr)
	name := fs.String("name", "", "pipeline name")
	stages := fs.String("stages", "", "comma-separated stage specification")
	preset := fs.String("preset", "", "build stages from a named preset instead of --stages (smart, archive, hpc, enterprise, passthrough)")
	peerPublicKey := fs.String("peer-public-key", "", "base64 ML-KEM-768 peer public key, required by the enterprise preset")
	output := fs.String("output", "", "override the pipeline repository file path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" {
		return fmt.Errorf("create: --name is required")
	}
	if *stages == "" && *preset == "" {
		return fmt.Errorf("create: one of --stages or --preset is required")
	}
	if *stages != "" && *preset != "" {
		return fmt.Errorf("create: --stages and --preset are mutually exclusive")
	}

	var userStages []pipeline.PipelineStage
	var err error
	if *preset != "" {
		userStages, err = pipeline.PresetStages(pipeline.PresetName(*preset), pipeline.PresetKeyMaterial{PeerPublicKey: *peerPublicKey})
		if err != nil {
			return fmt.Errorf("create: %w", err)
		}
	} else {
		userStages, err = parseStageSpec(*stages, env.registry)
		if err != nil {
			return fmt.Errorf("create: %w", err)
		}
	}

	for i, s := range userStages {
		if s.StageType() != stage.TypeEncryption {
			continue
		}
		cfg := s.Configuration()
		if _, ok := cfg.Param("key"); ok {
			continue
		}
		size, ok := symmetricKeySize[cfg.Algorithm]
		if !ok {
			continue
		}
		km, err := keymaterial.Generate(cfg.Algorithm, size)
		if err != nil {
			return fmt.Errorf("create: generating key for stage %q: %w", s.Name(), err)
		}
		if cfg.Parameters == nil {
			cfg.Parameters = map[string]string{}
		}
		cfg.Parameters["key"] = base64.StdEncoding.EncodeToString(km.Key)
		userStages[i] = pipeline.NewUserStage(s.Name(), s.StageType(), s.Position(), cfg)
		fmt.Fprintf(env.stdout, "generated %s key for stage %q (stored in the pipeline definition)\n", cfg.Algorithm, s.Name())
	}

	p, err := pipeline.New(*name, userStages)
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}

	repoPath := env.cfg.Repository.Path
	if *output != "" {
		repoPath = *output
	}
	repo, err := repository.NewFileRepository(repoPath, env.logger)
	if err != nil {
		return fmt.Errorf("create: opening repository: %w", err)
	}
	if err := repo.Save(p); err != nil {
		return fmt.Errorf("create: saving pipeline: %w", err)
	}

	fmt.Fprintf(env.stdout, "created pipeline %q (%s) with %d stage(s) in %s\n", p.Name(), p.ID(), len(p.UserStages()), repoPath)
	return nil
}
