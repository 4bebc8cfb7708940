package kit

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kilnrun/kiln/internal/model"
)

func TestMerge_UserImageWins(t *testing.T) {
	user := model.Step{ID: "build", Image: "custom:latest"}
	out := Output{Image: "alpine"}
	merged := Merge(user, out)
	assert.Equal(t, "custom:latest", merged.Image)
}

func TestMerge_KitImageFillsGap(t *testing.T) {
	user := model.Step{ID: "build"}
	out := Output{Image: "alpine"}
	merged := Merge(user, out)
	assert.Equal(t, "alpine", merged.Image)
}

func TestMerge_CachesConcatenateDedupedByName(t *testing.T) {
	user := model.Step{
		ID:     "build",
		Caches: []model.Cache{{Name: "go-mod", Path: "/user/go-mod"}},
	}
	out := Output{Caches: []model.Cache{
		{Name: "go-mod", Path: "/kit/go-mod"},
		{Name: "go-build", Path: "/kit/go-build"},
	}}
	merged := Merge(user, out)
	assert.Len(t, merged.Caches, 2)
	assert.Equal(t, "/user/go-mod", merged.Caches[0].Path, "user's cache entry wins on name collision")
}

func TestMerge_MountsDedupedByContainerPath(t *testing.T) {
	user := model.Step{ID: "build", Mounts: []model.Mount{{HostPath: "/user", ContainerPath: "/shared"}}}
	out := Output{Mounts: []model.Mount{{HostPath: "/kit", ContainerPath: "/shared"}, {HostPath: "/kit2", ContainerPath: "/other"}}}
	merged := Merge(user, out)
	assert.Len(t, merged.Mounts, 2)
}

func TestMerge_EnvUserWins(t *testing.T) {
	user := model.Step{ID: "build", Env: map[string]string{"A": "user"}}
	out := Output{Env: map[string]string{"A": "kit", "B": "kit"}}
	merged := Merge(user, out)
	assert.Equal(t, "user", merged.Env["A"])
	assert.Equal(t, "kit", merged.Env["B"])
}

func TestMerge_SetupOnlyFilledWhenAbsent(t *testing.T) {
	userSetup := &model.Setup{Cmd: []string{"user-setup"}}
	user := model.Step{ID: "build", Setup: userSetup}
	out := Output{Setup: &model.Setup{Cmd: []string{"kit-setup"}}}
	merged := Merge(user, out)
	assert.Same(t, userSetup, merged.Setup)
}

func TestValidate_RejectsInvalidCacheName(t *testing.T) {
	err := Validate("node", Output{Caches: []model.Cache{{Name: "bad name!"}}})
	assert.Error(t, err)
}

func TestValidate_AcceptsValidOutput(t *testing.T) {
	err := Validate("node", Output{Caches: []model.Cache{{Name: "go-mod"}}})
	assert.NoError(t, err)
}
