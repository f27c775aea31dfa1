package fingerprint

import (
	"encoding/hex"
	"io"
	"os"
	"sort"

	"github.com/segmentio/fasthash/fnv1a"
	"github.com/zeebo/blake3"
)

// FileSignature is the content signature of one fingerprint input.
// A missing or unreadable file is a valid signature: presence and absence
// both contribute to the composite fingerprint.
type FileSignature struct {
	Path        string `json:"path"`
	ContentHash string `json:"contentHash"` // hex blake3 of file content
	Size        int64  `json:"size"`
	Missing     bool   `json:"missing"`
}

// SignatureForFile hashes a file's content. A stat or read failure yields
// a Missing signature rather than an error; transient unreadability is
// handled by the caller's retry policy, not here.
func SignatureForFile(path string) FileSignature {
	f, err := os.Open(path)
	if err != nil {
		return FileSignature{Path: path, Missing: true}
	}
	defer func() { _ = f.Close() }()

	hasher := blake3.New()
	n, err := io.Copy(hasher, f)
	if err != nil {
		return FileSignature{Path: path, Missing: true}
	}

	return FileSignature{
		Path:        path,
		ContentHash: hex.EncodeToString(hasher.Sum(nil)),
		Size:        n,
	}
}

// Compute derives the composite job fingerprint from the builder's
// self-reported version fingerprint, the source file's signature, and the
// signatures of the job's declared fingerprint files. It is a pure
// function: identical inputs always produce identical values.
//
// Dependency signatures are folded in sorted path order so the result is
// independent of how the caller gathered them. Only directly declared
// inputs participate; the transitive closure is deliberately excluded to
// keep fingerprint cost bounded.
func Compute(builderFingerprint string, source FileSignature, deps []FileSignature) uint64 {
	h := fnv1a.Init64
	h = fnv1a.AddString64(h, builderFingerprint)
	h = addSignature(h, source)

	sorted := make([]FileSignature, len(deps))
	copy(sorted, deps)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	for _, dep := range sorted {
		h = addSignature(h, dep)
	}
	return h
}

func addSignature(h uint64, sig FileSignature) uint64 {
	h = fnv1a.AddString64(h, sig.Path)
	if sig.Missing {
		return fnv1a.AddString64(h, "<missing>")
	}
	h = fnv1a.AddString64(h, sig.ContentHash)
	h = fnv1a.AddUint64(h, uint64(sig.Size))
	return h
}
