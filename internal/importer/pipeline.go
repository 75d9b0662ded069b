package importer

import (
	"context"
	"io"

	"github.com/nebulaperf/tracecore/internal/perf"
	"github.com/nebulaperf/tracecore/pkg/xlog"
	"github.com/nebulaperf/tracecore/pkg/xmetrics"
)

// FeedChunkSize is the default read size Pipeline uses when pulling from
// an io.Reader source, matching the tokenizer's own bias toward small,
// frequent Feed calls over one large slurp.
const FeedChunkSize = 256 * 1024

// Pipeline drives a Tokenizer to completion over an io.Reader, wiring
// its output into a RecordParser backed by this package's default
// collaborators.
type Pipeline struct {
	tok     *perf.Tokenizer
	parser  *RecordParser
	log     xlog.Logger
	process ProcessTracker
	mapping MappingTracker
}

// NewPipeline constructs a Pipeline with the default in-memory
// collaborators, publishing its metrics under reg.
func NewPipeline(log xlog.Logger, reg *xmetrics.Registry) (*Pipeline, *memStorage) {
	storage := NewMemStorage(reg)
	process := NewProcessTracker()
	mapping := NewMappingTracker(reg)
	parser := NewRecordParser(
		log,
		NewSorter(),
		NewClockTracker(),
		process,
		mapping,
		NewStackProfileTracker(),
		storage,
	)
	return &Pipeline{
		tok:     perf.NewTokenizer(),
		parser:  parser,
		log:     log,
		process: process,
		mapping: mapping,
	}, storage
}

// Processes returns every pid observed in the recording, in ascending
// order.
func (p *Pipeline) Processes() []ProcessID { return p.process.Snapshot() }

// ProcessesWithMappings returns every pid that had at least one
// user-space mapping, in ascending order.
func (p *Pipeline) ProcessesWithMappings() []ProcessID { return p.mapping.ProcessesWithMappings() }

// Run reads r to EOF in FeedChunkSize chunks, feeding each into the
// tokenizer and draining it after every chunk, then flushes the sorter
// once input is exhausted.
func (p *Pipeline) Run(ctx context.Context, r io.Reader) error {
	buf := make([]byte, FeedChunkSize)
	var off uint64

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, readErr := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			p.tok.Feed(off, chunk)
			off += uint64(n)

			res, err := p.tok.Advance(p.parser)
			if err != nil {
				return err
			}
			if res == perf.Done {
				break
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return readErr
		}
	}

	if p.tok.State() != perf.StateDone {
		p.log.Warn(ctx, "perf.data stream ended before tokenizer reached Done",
			xlog.String("state", p.tok.State().String()))
	}

	p.parser.sorter.Flush()
	return nil
}
