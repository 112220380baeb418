// Package transfer delivers a local file to a path on the device. Four
// strategies are tried in a fixed order, from fastest to most
// primitive; the last one assumes nothing beyond a POSIX-minimal
// BusyBox shell. A delivery only counts once the verifier confirms the
// remote byte count, never from command exit status alone.
package transfer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/glennswest/fwpush/pkg/probe"
	"github.com/glennswest/fwpush/pkg/sshx"
	"github.com/glennswest/fwpush/pkg/ubus"
)

const (
	// DefaultChunkSize is the payload size per chunk for the chunked
	// strategy.
	DefaultChunkSize = 512
	// DefaultBatchSize is how many chunk appends are folded into one
	// remote invocation.
	DefaultBatchSize = 5
)

// Job describes one delivery attempt. The destination is cleared
// before the first byte is written; there are no partial-overwrite or
// resume semantics.
type Job struct {
	SourcePath string
	Dest       string
	ChunkSize  int
	BatchSize  int
}

func (j Job) chunkSize() int {
	if j.ChunkSize > 0 {
		return j.ChunkSize
	}
	return DefaultChunkSize
}

func (j Job) batchSize() int {
	if j.BatchSize > 0 {
		return j.BatchSize
	}
	return DefaultBatchSize
}

// Strategy is one payload-delivery encoding.
type Strategy interface {
	// Name identifies the strategy in logs and diagnostics.
	Name() string
	// Available reports whether the device's capability set supports
	// this strategy.
	Available(caps probe.Set) bool
	// Deliver clears the destination and writes the file. An error
	// means the destination contents are undefined and the next
	// strategy must start from scratch.
	Deliver(ctx context.Context, job Job) error
}

// Options configures the strategy chain for one device.
type Options struct {
	Device sshx.Runner
	// Ubus is the HTTP management plane; nil disables the HTTP-push
	// strategy.
	Ubus *ubus.Client
	// LocalIP is the operator-side address as seen from the device,
	// used by the HTTP-pull strategy to build a reachable URL.
	LocalIP string
	// ForceChunked restricts the chain to the chunked strategy only.
	ForceChunked bool
	Log          *zap.SugaredLogger
}

// Chain returns the strategies in their fixed fallback order.
func Chain(opts Options) []Strategy {
	if opts.ForceChunked {
		return []Strategy{&chunkedStrategy{dev: opts.Device, log: opts.Log}}
	}
	var chain []Strategy
	if opts.Ubus != nil {
		chain = append(chain, &httpPushStrategy{dev: opts.Device, ub: opts.Ubus, log: opts.Log})
	}
	chain = append(chain,
		&httpPullStrategy{dev: opts.Device, localIP: opts.LocalIP, log: opts.Log},
		&wholeFileStrategy{dev: opts.Device, log: opts.Log},
		&chunkedStrategy{dev: opts.Device, log: opts.Log},
	)
	return chain
}

// Send walks the chain: skip strategies the capability set rules out,
// deliver, verify the remote size, and move on to the next strategy on
// any failure. It returns the name of the strategy that both delivered
// and verified. Exhausting the chain is an error; re-running the same
// strategy is never attempted because partial writes on the device are
// not detectable reliably.
func Send(ctx context.Context, opts Options, caps probe.Set, job Job) (string, error) {
	localSize, err := LocalSize(job.SourcePath)
	if err != nil {
		return "", fmt.Errorf("reading source %s: %w", job.SourcePath, err)
	}

	var attempts []string
	for _, s := range Chain(opts) {
		if !s.Available(caps) {
			opts.Log.Debugw("strategy not available on device", "strategy", s.Name())
			continue
		}

		opts.Log.Infow("attempting transfer",
			"strategy", s.Name(),
			"dest", job.Dest,
			"size", humanize.Bytes(uint64(localSize)))

		start := time.Now()
		if err := s.Deliver(ctx, job); err != nil {
			opts.Log.Warnw("transfer failed, advancing to next strategy",
				"strategy", s.Name(), "error", err)
			attempts = append(attempts, fmt.Sprintf("%s: %v", s.Name(), err))
			continue
		}

		if err := VerifySize(ctx, opts.Device, localSize, job.Dest); err != nil {
			opts.Log.Warnw("verification failed, advancing to next strategy",
				"strategy", s.Name(), "error", err)
			attempts = append(attempts, fmt.Sprintf("%s: %v", s.Name(), err))
			continue
		}

		opts.Log.Infow("transfer verified",
			"strategy", s.Name(),
			"dest", job.Dest,
			"elapsed", time.Since(start).Round(time.Millisecond))
		return s.Name(), nil
	}

	return "", fmt.Errorf("all transfer strategies exhausted for %s: %s",
		job.Dest, strings.Join(attempts, "; "))
}

// clearDest removes and recreates the destination so every strategy
// starts against an empty file.
func clearDest(ctx context.Context, dev sshx.Runner, dest string) error {
	_, err := dev.Run(ctx, fmt.Sprintf("rm -f %s && : > %s", shellQuote(dest), shellQuote(dest)))
	if err != nil {
		return fmt.Errorf("clearing %s: %w", dest, err)
	}
	return nil
}

// shellQuote single-quotes s for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
