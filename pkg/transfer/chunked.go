package transfer

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/glennswest/fwpush/pkg/probe"
	"github.com/glennswest/fwpush/pkg/sshx"
)

// chunkedStrategy is the strategy of last resort: the file is split
// into fixed-size chunks, each chunk is hex-escaped locally, and
// several chunks at a time are appended to the destination through a
// batched printf invocation. It needs nothing on the device beyond the
// BusyBox shell and printf, and it is by far the slowest path.
type chunkedStrategy struct {
	dev sshx.Runner
	log *zap.SugaredLogger
}

func (s *chunkedStrategy) Name() string { return "chunked-hex" }

// Available always: this is the floor every device can reach.
func (s *chunkedStrategy) Available(caps probe.Set) bool { return true }

func (s *chunkedStrategy) Deliver(ctx context.Context, job Job) error {
	data, err := os.ReadFile(job.SourcePath)
	if err != nil {
		return fmt.Errorf("reading %s: %w", job.SourcePath, err)
	}

	if err := clearDest(ctx, s.dev, job.Dest); err != nil {
		return err
	}

	chunks := splitChunks(data, job.chunkSize())
	batch := job.batchSize()
	quoted := shellQuote(job.Dest)

	s.log.Infow("chunked transfer starting",
		"size", humanize.Bytes(uint64(len(data))),
		"chunks", len(chunks),
		"chunkSize", job.chunkSize(),
		"batchSize", batch)

	for start := 0; start < len(chunks); start += batch {
		end := start + batch
		if end > len(chunks) {
			end = len(chunks)
		}

		cmds := make([]string, 0, end-start)
		for _, chunk := range chunks[start:end] {
			cmds = append(cmds, fmt.Sprintf("printf '%s' >> %s", hexEscape(chunk), quoted))
		}

		if _, err := s.dev.Run(ctx, strings.Join(cmds, " && ")); err != nil {
			return fmt.Errorf("appending chunks %d-%d: %w", start, end-1, err)
		}
		s.log.Debugw("batch appended", "chunks", fmt.Sprintf("%d/%d", end, len(chunks)))
	}
	return nil
}

// splitChunks slices data into pieces of at most size bytes. An empty
// input yields no chunks; the destination stays as the cleared empty
// file.
func splitChunks(data []byte, size int) [][]byte {
	var chunks [][]byte
	for len(data) > 0 {
		n := size
		if n > len(data) {
			n = len(data)
		}
		chunks = append(chunks, data[:n])
		data = data[n:]
	}
	return chunks
}

// hexEscape renders every byte as a \xHH printf escape. Escaping all
// bytes, printable or not, keeps the remote side a pure byte-for-byte
// decode with no quoting edge cases.
func hexEscape(chunk []byte) string {
	var sb strings.Builder
	sb.Grow(len(chunk) * 4)
	for _, b := range chunk {
		fmt.Fprintf(&sb, `\x%02x`, b)
	}
	return sb.String()
}
