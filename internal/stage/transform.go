package stage

import (
	"context"
	"encoding/base64"
	"regexp"
	"strconv"

	"github.com/FairForge/adapipe/internal/chunk"
	"github.com/FairForge/adapipe/internal/obslog"
	"github.com/FairForge/adapipe/internal/perrors"
	"go.uber.org/zap"
)

// Base64Service is a reversible pre-binary transform: it encodes payloads
// as standard base64 text on forward, and decodes on reverse. It exists
// mainly for pipelines that must stay ASCII-safe end to end (e.g. copying
// through a text-only transport).
type Base64Service struct{ BaseService }

func NewBase64Service() *Base64Service { return &Base64Service{} }

func (s *Base64Service) Position() Position      { return PreBinary }
func (s *Base64Service) IsReversible() bool      { return true }
func (s *Base64Service) Type() Type              { return TypeTransform }
func (s *Base64Service) RequiresSequential() bool { return false }

func (s *Base64Service) ProcessChunk(ctx context.Context, c chunk.FileChunk, cfg Configuration, pctx *ProcessingContext) (chunk.FileChunk, error) {
	if cfg.Operation == Reverse {
		out := make([]byte, base64.StdEncoding.DecodedLen(len(c.Data())))
		n, err := base64.StdEncoding.Decode(out, c.Data())
		if err != nil {
			return chunk.FileChunk{}, perrors.NewIntegrity("base64 decode failed for chunk %d: %v", c.Sequence(), err)
		}
		return c.WithData(out[:n])
	}
	out := make([]byte, base64.StdEncoding.EncodedLen(len(c.Data())))
	base64.StdEncoding.Encode(out, c.Data())
	return c.WithData(out)
}

// piiPatterns is the fixed set of regexes the masking stage redacts. This
// is a coarse, irreversible scrub — matching spans are replaced in place
// with a fixed-width mask so chunk length changes are deterministic per
// match but the original values cannot be recovered.
var piiPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`), // email
	regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),                                // SSN
	regexp.MustCompile(`\b(?:\d[ -]?){13,19}\b`),                               // card-like digit runs
}

const piiMask = "[REDACTED]"

// PIIMaskingService irreversibly redacts common PII patterns from payloads
// it sees as text. It is declared non-reversible: its ProcessChunk rejects
// the Reverse operation with an InvalidConfiguration error, so a restore
// pipeline that contains it fails at its first chunk.
type PIIMaskingService struct{ BaseService }

func NewPIIMaskingService() *PIIMaskingService { return &PIIMaskingService{} }

func (s *PIIMaskingService) Position() Position      { return PreBinary }
func (s *PIIMaskingService) IsReversible() bool      { return false }
func (s *PIIMaskingService) Type() Type              { return TypeTransform }
func (s *PIIMaskingService) RequiresSequential() bool { return false }

func (s *PIIMaskingService) ProcessChunk(ctx context.Context, c chunk.FileChunk, cfg Configuration, pctx *ProcessingContext) (chunk.FileChunk, error) {
	if cfg.Operation == Reverse {
		return chunk.FileChunk{}, perrors.NewInvalidConfiguration("pii_masking is not reversible")
	}
	data := c.Data()
	for _, re := range piiPatterns {
		data = re.ReplaceAll(data, []byte(piiMask))
	}
	return c.WithData(data)
}

// TeeService is a reversible identity transform: it passes the payload
// through unchanged and records the chunk's size in the ProcessingContext
// under "<name>_bytes_seen" (name defaults to "tee"). The payload itself is
// not copied anywhere.
type TeeService struct{ BaseService }

func NewTeeService() *TeeService { return &TeeService{} }

func (s *TeeService) Position() Position      { return Any }
func (s *TeeService) IsReversible() bool      { return true }
func (s *TeeService) Type() Type              { return TypeTransform }
func (s *TeeService) RequiresSequential() bool { return false }

func (s *TeeService) ProcessChunk(ctx context.Context, c chunk.FileChunk, cfg Configuration, pctx *ProcessingContext) (chunk.FileChunk, error) {
	if pctx != nil {
		key := cfg.Name
		if key == "" {
			key = "tee"
		}
		pctx.SetMetadata(key+"_bytes_seen", strconv.Itoa(c.Size()))
	}
	return c, nil
}

// DebugService is a reversible identity transform that logs chunk shape at
// debug level and otherwise passes data through unchanged. It is meant to
// be dropped into a stage list while diagnosing a pipeline, not left in a
// production configuration.
type DebugService struct {
	BaseService
	log *obslog.Logger
}

func NewDebugService() *DebugService {
	log, err := obslog.NewProduction()
	if err != nil {
		log = obslog.New(nil)
	}
	return &DebugService{log: log.Named("stage.debug")}
}

func (s *DebugService) Position() Position      { return Any }
func (s *DebugService) IsReversible() bool      { return true }
func (s *DebugService) Type() Type              { return TypeTransform }
func (s *DebugService) RequiresSequential() bool { return false }

func (s *DebugService) ProcessChunk(ctx context.Context, c chunk.FileChunk, cfg Configuration, pctx *ProcessingContext) (chunk.FileChunk, error) {
	s.log.Debug("chunk observed",
		zap.Uint64("sequence", c.Sequence()),
		zap.Int64("offset", c.Offset()),
		zap.Int("size", c.Size()),
	)
	return c, nil
}

// PassThroughService is the registry's identity stage: no transformation,
// always reversible, usable at any position. It backs the "passthrough"
// algorithm name; an algorithm the registry does not know fails Lookup
// instead of falling back to it.
type PassThroughService struct{ BaseService }

func NewPassThroughService() *PassThroughService { return &PassThroughService{} }

func (s *PassThroughService) Position() Position      { return Any }
func (s *PassThroughService) IsReversible() bool      { return true }
func (s *PassThroughService) Type() Type              { return TypePassThrough }
func (s *PassThroughService) RequiresSequential() bool { return false }

func (s *PassThroughService) ProcessChunk(ctx context.Context, c chunk.FileChunk, cfg Configuration, pctx *ProcessingContext) (chunk.FileChunk, error) {
	return c, nil
}
