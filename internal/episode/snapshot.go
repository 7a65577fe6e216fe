package episode

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/zeebo/blake3"
)

// artifactDigest returns the hex blake3 digest of the artifact, or "" when
// there is no artifact to fingerprint.
func artifactDigest(text string) string {
	if text == "" {
		return ""
	}
	sum := blake3.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// writeSnapshot persists the full episode result, trajectory included, as a
// msgpack blob. Written atomically so a concurrent reader never sees a
// partial file.
func writeSnapshot(dir string, res *Result) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	b, err := msgpack.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	final := filepath.Join(dir, res.EpisodeID+".traj.msgpack")
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, final)
}

// ReadSnapshot loads a snapshot written by a finished episode.
func ReadSnapshot(path string) (*Result, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var res Result
	if err := msgpack.Unmarshal(b, &res); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", path, err)
	}
	return &res, nil
}
