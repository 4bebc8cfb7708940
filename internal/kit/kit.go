// Package kit merges a kit's partial step output into a user's step
// definition. Kits themselves — discovering, loading, and invoking the
// resolve(params) function — are an external collaborator; this package
// only implements the merge and validation of whatever partial fields a
// kit produced.
package kit

import (
	"github.com/kilnrun/kiln/internal/errs"
	"github.com/kilnrun/kiln/internal/model"
)

// Output is the partial step produced by a kit's resolve(params) call.
// Any field left at its zero value is treated as "kit did not set this."
type Output struct {
	Image        string
	Cmd          []string
	Setup        *model.Setup
	Caches       []model.Cache
	Mounts       []model.Mount
	Sources      []model.Source
	Env          map[string]string
	AllowNetwork bool
}

// Merge layers a kit's Output under a user-authored step: user fields win
// outright, except list-valued fields (caches, mounts, sources, env)
// which are concatenated and deduplicated by key — cache name, mount/
// source container path, env key. The input step is not mutated; Merge
// returns a new value.
func Merge(userStep model.Step, kitOut Output) model.Step {
	merged := userStep

	if merged.Image == "" {
		merged.Image = kitOut.Image
	}
	if len(merged.Cmd) == 0 {
		merged.Cmd = kitOut.Cmd
	}
	if merged.Setup == nil {
		merged.Setup = kitOut.Setup
	}
	if !merged.AllowNetwork {
		merged.AllowNetwork = kitOut.AllowNetwork
	}

	merged.Caches = mergeCaches(kitOut.Caches, userStep.Caches)
	merged.Mounts = mergeMounts(kitOut.Mounts, userStep.Mounts)
	merged.Sources = mergeSources(kitOut.Sources, userStep.Sources)
	merged.Env = mergeEnv(kitOut.Env, userStep.Env)

	return merged
}

// mergeCaches concatenates kit-provided caches under user caches,
// deduplicating by name with the user's entry winning.
func mergeCaches(kitCaches, userCaches []model.Cache) []model.Cache {
	seen := make(map[string]bool, len(userCaches))
	out := append([]model.Cache(nil), userCaches...)
	for _, c := range userCaches {
		seen[c.Name] = true
	}
	for _, c := range kitCaches {
		if !seen[c.Name] {
			out = append(out, c)
			seen[c.Name] = true
		}
	}
	return out
}

func mergeMounts(kitMounts, userMounts []model.Mount) []model.Mount {
	seen := make(map[string]bool, len(userMounts))
	out := append([]model.Mount(nil), userMounts...)
	for _, m := range userMounts {
		seen[m.ContainerPath] = true
	}
	for _, m := range kitMounts {
		if !seen[m.ContainerPath] {
			out = append(out, m)
			seen[m.ContainerPath] = true
		}
	}
	return out
}

func mergeSources(kitSources, userSources []model.Source) []model.Source {
	seen := make(map[string]bool, len(userSources))
	out := append([]model.Source(nil), userSources...)
	for _, s := range userSources {
		seen[s.ContainerPath] = true
	}
	for _, s := range kitSources {
		if !seen[s.ContainerPath] {
			out = append(out, s)
			seen[s.ContainerPath] = true
		}
	}
	return out
}

func mergeEnv(kitEnv, userEnv map[string]string) map[string]string {
	if len(kitEnv) == 0 && len(userEnv) == 0 {
		return nil
	}
	out := make(map[string]string, len(kitEnv)+len(userEnv))
	for k, v := range kitEnv {
		out[k] = v
	}
	for k, v := range userEnv {
		out[k] = v
	}
	return out
}

// Validate checks a kit's raw Output before merging: a kit producing an
// unsupported combination (e.g. a cache with an invalid name) is a
// load-time fatal KIT_MISUSE attributed to the kit, not a step validation
// error attributed to the user's pipeline file.
func Validate(name string, out Output) error {
	for _, c := range out.Caches {
		if !model.ValidID(c.Name) {
			return errs.New(errs.KitMisuse, "kit %q: invalid cache name %q", name, c.Name)
		}
	}
	return nil
}
