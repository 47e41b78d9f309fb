package config

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/zeebo/blake3"
)

// computeHashes assigns every test its config hash in dependency order.
// A test's hash covers its name, command, resource demands, cache mode and
// the hashes of all of its dependencies, so any change that can affect the
// meaning of a cached result produces a new hash.
func computeHashes(m *Manifest) error {
	var hashOf func(t *Test) (string, error)
	hashOf = func(t *Test) (string, error) {
		if t.hash != "" {
			return t.hash, nil
		}

		h := blake3.New()
		field := func(parts ...string) {
			// Length-prefix every part so field boundaries can't collide.
			for _, p := range parts {
				var n [8]byte
				binary.LittleEndian.PutUint64(n[:], uint64(len(p)))
				_, _ = h.Write(n[:])
				_, _ = h.Write([]byte(p))
			}
		}

		field("name", t.Name)
		if t.Command.IsShell() {
			field("shell", t.Command.Shell)
		} else {
			field("argv")
			field(t.Command.Argv...)
		}
		field("cache", string(t.Cache))

		demands := append([]ResourceDemand(nil), t.Resources...)
		sort.Slice(demands, func(i, j int) bool { return demands[i].Name < demands[j].Name })
		for _, d := range demands {
			field("resource", d.Name, fmt.Sprintf("%d", d.Count))
		}

		deps := append([]string(nil), t.DependsOn...)
		sort.Strings(deps)
		for _, dep := range deps {
			depHash, err := hashOf(m.byName[dep])
			if err != nil {
				return "", err
			}
			field("dep", dep, depHash)
		}

		sum := h.Sum(nil)
		t.hash = hex.EncodeToString(sum)
		return t.hash, nil
	}

	for _, t := range m.Tests {
		if _, err := hashOf(t); err != nil {
			return err
		}
	}
	return nil
}
