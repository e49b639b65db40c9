package backend

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"

	"github.com/risc0/kailua-validator/validator/types"
)

// hostRunner invokes the kailua-host binary. Preflight assembles a witness
// from chain data; prove (local backend only) computes the proof from it.
type hostRunner struct {
	log log.Logger
	cfg Config
}

func newHostRunner(logger log.Logger, cfg Config) *hostRunner {
	return &hostRunner{log: logger.New("proc", filepath.Base(cfg.HostBinary)), cfg: cfg}
}

// Preflight runs the host in preflight mode, writing the witness file under
// the data dir. The host fetches its own L1/L2/beacon data from the
// configured endpoints.
func (h *hostRunner) Preflight(ctx context.Context, subject types.Subject) (types.Witness, error) {
	dir := filepath.Join(h.cfg.DataDir, "witnesses")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return types.Witness{}, fmt.Errorf("failed to create witness dir: %w", err)
	}
	path := filepath.Join(dir, subject.ID.Key.Hex()+".bin")

	args := []string{
		"preflight",
		"--eth-rpc-url", h.cfg.EthRPCURL,
		"--beacon-rpc-url", h.cfg.BeaconRPCURL,
		"--op-geth-url", h.cfg.OpGethURL,
		"--op-node-url", h.cfg.OpNodeURL,
		"--output", path,
	}
	args = append(args, subjectArgs(subject)...)
	if err := h.run(ctx, args); err != nil {
		return types.Witness{}, fmt.Errorf("preflight failed for %v: %w", subject.ID, err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return types.Witness{}, fmt.Errorf("preflight produced no witness for %v: %w", subject.ID, err)
	}
	digest, err := hashFile(path)
	if err != nil {
		return types.Witness{}, fmt.Errorf("failed to digest witness %s: %w", path, err)
	}
	h.log.Debug("Witness assembled", "subject", subject.ID, "size", info.Size(), "digest", digest)
	return types.Witness{
		Subject: subject.ID,
		Path:    path,
		Size:    uint64(info.Size()),
		Digest:  digest,
	}, nil
}

// Prove runs the host in prove mode over an assembled witness, writing the
// proof JSON to outPath.
func (h *hostRunner) Prove(ctx context.Context, witness types.Witness, outPath string) error {
	args := []string{
		"prove",
		"--witness", witness.Path,
		"--segment-limit", strconv.Itoa(h.cfg.SegmentLimit),
		"--output", outPath,
	}
	if err := h.run(ctx, args); err != nil {
		return fmt.Errorf("prove failed for %v: %w", witness.Subject, err)
	}
	return nil
}

func (h *hostRunner) run(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, h.cfg.HostBinary, args...)
	cmd.Stdout = &loggingWriter{log: h.log, lvl: "out"}
	cmd.Stderr = &loggingWriter{log: h.log, lvl: "err"}
	h.log.Debug("Running host", "mode", args[0])
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("host exited: %w", err)
	}
	return nil
}

func subjectArgs(subject types.Subject) []string {
	switch {
	case subject.Dispute != nil:
		return []string{
			"--proof-kind", "fault",
			"--incumbent", subject.Dispute.Incumbent.Hex(),
			"--challenger", subject.Dispute.Challenger.Hex(),
			"--ancestor-height", strconv.FormatUint(subject.Dispute.AncestorHeight, 10),
		}
	case subject.FastForward != nil:
		return []string{
			"--proof-kind", "validity",
			"--proposal", subject.FastForward.Proposal.Hex(),
		}
	default:
		return nil
	}
}

func hashFile(path string) (common.Hash, error) {
	f, err := os.Open(path)
	if err != nil {
		return common.Hash{}, err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return common.Hash{}, err
	}
	return common.BytesToHash(h.Sum(nil)), nil
}

// loggingWriter forwards host process output to the logger, line by line.
// Binary junk is hex-encoded rather than garbled.
type loggingWriter struct {
	log log.Logger
	lvl string
}

func (w *loggingWriter) Write(b []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimRight(string(b), "\n"), "\n") {
		if line == "" {
			continue
		}
		if printable(line) {
			w.log.Debug("host "+w.lvl, "text", line)
		} else {
			w.log.Debug("host "+w.lvl, "data", hexutil.Bytes(line))
		}
	}
	return len(b), nil
}

func printable(s string) bool {
	for _, c := range s {
		if (c < 0x20 || c >= 0x7F) && c != '\t' {
			return false
		}
	}
	return true
}
