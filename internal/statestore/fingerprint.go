package statestore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/kilnrun/kiln/internal/model"
)

// FingerprintInput is the canonicalized subset of a step's definition plus
// its resolved input run ids, hashed to produce a step's fingerprint. Every
// field is a plain, ordered structure (sorted slices, no maps) so that two
// logically-equal steps serialize to byte-identical JSON regardless of the
// order their env/cache/mount entries were declared in.
//
// Env, Mounts, Sources, and Caches are pointers to slices rather than bare
// slices: a step that never declared the field and a step that declared it
// empty must hash differently, and a bare slice with `omitempty` collapses
// both a nil slice and a zero-length slice to "absent." A nil pointer is
// omitted from the encoding; a non-nil pointer to an empty slice is encoded
// as `[]`.
type FingerprintInput struct {
	Image            string            `json:"image"`
	Cmd              []string          `json:"cmd"`
	Env              *[]kv             `json:"env,omitempty"`
	InputArtifactIDs []string          `json:"inputArtifactIds,omitempty"`
	Mounts           *[]pathPair       `json:"mounts,omitempty"`
	Sources          *[]pathPair       `json:"sources,omitempty"`
	Caches           *[]cacheField     `json:"caches,omitempty"`
	Setup            *setupFingerprint `json:"setup,omitempty"`
}

type kv struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type pathPair struct {
	HostPath      string `json:"hostPath"`
	ContainerPath string `json:"containerPath"`
}

type cacheField struct {
	Name      string `json:"name"`
	Path      string `json:"path"`
	Exclusive bool   `json:"exclusive"`
}

type setupFingerprint struct {
	Cmd          []string      `json:"cmd"`
	Caches       *[]cacheField `json:"caches,omitempty"`
	AllowNetwork bool          `json:"allowNetwork"`
}

// sortedKV returns nil when m is nil (the field was never declared) and a
// non-nil, possibly empty, sorted slice otherwise.
func sortedKV(m map[string]string) *[]kv {
	if m == nil {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]kv, 0, len(keys))
	for _, k := range keys {
		out = append(out, kv{Key: k, Value: m[k]})
	}
	return &out
}

func sortedPathPairs(in []model.Mount) *[]pathPair {
	if in == nil {
		return nil
	}
	out := make([]pathPair, len(in))
	for i, m := range in {
		out[i] = pathPair{HostPath: m.HostPath, ContainerPath: m.ContainerPath}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContainerPath < out[j].ContainerPath })
	return &out
}

func sortedSourcePairs(in []model.Source) *[]pathPair {
	if in == nil {
		return nil
	}
	out := make([]pathPair, len(in))
	for i, s := range in {
		out[i] = pathPair{HostPath: s.HostPath, ContainerPath: s.ContainerPath}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContainerPath < out[j].ContainerPath })
	return &out
}

func sortedCaches(in []model.Cache) *[]cacheField {
	if in == nil {
		return nil
	}
	out := make([]cacheField, len(in))
	for i, c := range in {
		out[i] = cacheField{Name: c.Name, Path: c.Path, Exclusive: c.Exclusive}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return &out
}

// BuildFingerprintInput canonicalizes a step plus its resolved input
// artifact run ids (sorted) into the structure that gets hashed.
func BuildFingerprintInput(step model.Step, inputArtifactIDs []string) FingerprintInput {
	ids := append([]string(nil), inputArtifactIDs...)
	sort.Strings(ids)

	fi := FingerprintInput{
		Image:            step.Image,
		Cmd:              step.Cmd,
		Env:              sortedKV(step.Env),
		InputArtifactIDs: ids,
		Mounts:           sortedPathPairs(step.Mounts),
		Sources:          sortedSourcePairs(step.Sources),
		Caches:           sortedCaches(step.Caches),
	}
	if step.Setup != nil {
		fi.Setup = &setupFingerprint{
			Cmd:          step.Setup.Cmd,
			Caches:       sortedCaches(step.Setup.Caches),
			AllowNetwork: step.Setup.AllowNetwork,
		}
	}
	return fi
}

// Fingerprint is a pure function: a deterministic hex digest of the
// canonicalized step plus resolved inputs, stable across declaration order
// of its map- and set-like fields, and sensitive to whether an optional
// field was declared at all.
func Fingerprint(step model.Step, inputArtifactIDs []string) string {
	fi := BuildFingerprintInput(step, inputArtifactIDs)
	// encoding/json marshals struct fields in declaration order and map
	// keys are pre-sorted into slices above, so this is already canonical.
	data, err := json.Marshal(fi)
	if err != nil {
		// FingerprintInput contains no unmarshalable types (no channels,
		// funcs, or cyclic pointers), so Marshal cannot fail here.
		panic("statestore: unreachable marshal failure: " + err.Error())
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
