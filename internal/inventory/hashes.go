package inventory

import (
	"crypto/sha256"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"github.com/jzelinskie/whirlpool"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/ripemd160"
	"golang.org/x/crypto/sha3"
)

// HashFunc constructs a fresh hash.Hash for one algorithm.
type HashFunc func() hash.Hash

// HashFuncs is the algorithm-name -> constructor registry consulted by
// property P4's round-trip verification and by manifest loading when a
// package cache advertises a non-default digest. Grounded on
// ppphp-portago's pkg/checksum.go hashFuncMap/init(), extended with
// blake3 (the repo's existing whole-file hash primitive) in place of
// portago's MD5/STREEBOG entries, which have no maintained Go module in
// the example pack.
var HashFuncs = map[string]HashFunc{
	"sha256":    sha256.New,
	"sha3-256":  sha3.New256,
	"sha3-512":  sha3.New512,
	"blake2b":   func() hash.Hash { h, _ := blake2b.New256(nil); return h },
	"blake2s":   func() hash.Hash { h, _ := blake2s.New256(nil); return h },
	"ripemd160": ripemd160.New,
	"whirlpool": whirlpool.New,
	"blake3":    func() hash.Hash { return blake3.New() },
}

// HashFile digests path with the named algorithm. It's used both to
// populate FileMeta.SHA256 when a manifest omits it and to verify a
// rewritten file's digest matches pre-rewrite expectations under
// property P4.
func HashFile(path, algo string) (string, error) {
	ctor, ok := HashFuncs[algo]
	if !ok {
		return "", fmt.Errorf("unknown hash algorithm %q", algo)
	}
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := ctor()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// NormalizeAlgoName lowercases and trims separator variance so config
// and manifest values ("SHA-256", "sha256") resolve to the same key.
func NormalizeAlgoName(name string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(name), "_", "-"))
}
