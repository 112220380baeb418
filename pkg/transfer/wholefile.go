package transfer

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/glennswest/fwpush/pkg/probe"
	"github.com/glennswest/fwpush/pkg/sshx"
)

// wholeFileMaxSize caps the whole-file strategy. The encoded payload
// is held in device memory while the pipe drains; constrained devices
// with 32 MB of RAM cannot absorb arbitrarily large pipes.
const wholeFileMaxSize = 8 << 20

// wholeFileStrategy base64-encodes the entire file locally and streams
// it through the command channel into a single remote decode.
type wholeFileStrategy struct {
	dev sshx.Runner
	log *zap.SugaredLogger
}

func (s *wholeFileStrategy) Name() string { return "whole-file-base64" }

func (s *wholeFileStrategy) Available(caps probe.Set) bool {
	return caps.Has(probe.CapBase64)
}

func (s *wholeFileStrategy) Deliver(ctx context.Context, job Job) error {
	data, err := os.ReadFile(job.SourcePath)
	if err != nil {
		return fmt.Errorf("reading %s: %w", job.SourcePath, err)
	}
	if len(data) > wholeFileMaxSize {
		return fmt.Errorf("%d bytes exceeds whole-file limit of %d", len(data), wholeFileMaxSize)
	}

	if err := clearDest(ctx, s.dev, job.Dest); err != nil {
		return err
	}

	encoded := base64.StdEncoding.EncodeToString(data)
	cmd := fmt.Sprintf("base64 -d > %s", shellQuote(job.Dest))
	if _, err := s.dev.RunInput(ctx, cmd, strings.NewReader(encoded)); err != nil {
		return fmt.Errorf("remote decode: %w", err)
	}
	return nil
}
