// Package digest implements the pipe's DigestProvider capability: streaming
// hash calculators that can sit behind a hash destination, built from both
// the standard library's crypto hashes and an external non-cryptographic
// hash library, mirroring the "built-in plus externally loaded" shape
// described for the hash destination.
package digest

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// Provider is a named, streaming hash algorithm.
type Provider interface {
	hash.Hash
	// Name is the algorithm name as accepted by New and printed by
	// the "--hash list" flag.
	Name() string
}

type provider struct {
	hash.Hash
	name string
}

func (p *provider) Name() string { return p.name }

var factories = map[string]func() hash.Hash{
	"md5":     md5.New,
	"sha1":    sha1.New,
	"sha256":  sha256.New,
	"sha512":  sha512.New,
	"xxhash":  func() hash.Hash { return xxhash.New() },
}

// New constructs a Provider for the named algorithm.
func New(name string) (Provider, error) {
	factory, ok := factories[name]
	if !ok {
		return nil, fmt.Errorf("digest: unknown algorithm %q", name)
	}
	return &provider{Hash: factory(), name: name}, nil
}

// Available returns the supported algorithm names, sorted, for "--hash list".
func Available() []string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SumHex returns the current digest as a lowercase hex string without
// resetting the underlying hash state.
func SumHex(p Provider) string {
	return hex.EncodeToString(p.Sum(nil))
}
