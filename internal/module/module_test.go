package module

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aristath/devflow/internal/ctxlog"
)

func testContext() context.Context {
	return ctxlog.WithLogger(context.Background(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func writeModule(t *testing.T, dir, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0644))
}

const apiModule = `
module "api" {
  type        = "container"
  description = "HTTP API"

  build {
    command      = ["go", "build", "./..."]
    dependencies = ["shared"]
  }

  service "api" {
    command      = ["./api", "--registry", var.registry]
    dependencies = ["db"]
    env = {
      DB_HOST = "db"
      HOME    = env.HOME
    }
    ports = [8080]
  }

  test "unit" {
    command = ["go", "test", "./..."]
    timeout = "2m"
  }

  test "integ" {
    command      = ["go", "test", "-tags", "integration", "./..."]
    dependencies = ["api"]
  }
}
`

const sharedModule = `
module "shared" {
  description = "Shared library"
}

module "db" {
  service "db" {
    command = ["postgres"]
  }
}
`

func TestLoad(t *testing.T) {
	root := t.TempDir()
	t.Setenv("HOME", "/home/dev")
	writeModule(t, filepath.Join(root, "api"), apiModule)
	writeModule(t, filepath.Join(root, "lib"), sharedModule)
	// Ignored: hidden and skipped directories
	writeModule(t, filepath.Join(root, ".git", "x"), `module "hidden" {}`)
	writeModule(t, filepath.Join(root, "state", "build", "api"), apiModule)

	set, err := Load(testContext(), root, map[string]string{"registry": "registry.local"}, filepath.Join(root, "state"))
	require.NoError(t, err)

	modules, err := set.Modules()
	require.NoError(t, err)
	names := make([]string, 0, len(modules))
	for _, m := range modules {
		names = append(names, m.Name)
	}
	require.Equal(t, []string{"api", "db", "shared"}, names)

	api, err := set.Module("api")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(root, "api"), api.Path)
	require.Equal(t, []string{"shared"}, api.BuildDependencies())
	require.Len(t, api.Tests, 2)

	svc, err := set.Service("api")
	require.NoError(t, err)
	require.Same(t, api, svc.Module)
	require.Equal(t, []string{"./api", "--registry", "registry.local"}, svc.Command)
	require.Equal(t, map[string]string{"DB_HOST": "db", "HOME": "/home/dev"}, svc.Env)
	require.Equal(t, []int{8080}, svc.Ports)

	unit, err := api.Test("unit")
	require.NoError(t, err)
	timeout, err := unit.TimeoutDuration()
	require.NoError(t, err)
	require.Equal(t, 2*time.Minute, timeout)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		files   map[string]string
		wantErr error
		wantAs  bool
	}{
		{
			name:    "invalid module name",
			files:   map[string]string{"a": `module "My_Module" {}`},
			wantErr: ErrInvalidName,
		},
		{
			name: "duplicate module",
			files: map[string]string{
				"a": `module "web" {}`,
				"b": `module "web" {}`,
			},
			wantErr: ErrDuplicateModule,
		},
		{
			name:    "bad timeout",
			files: map[string]string{"a": `module "web" {
  test "unit" {
    timeout = "soon"
  }
}`},
			wantErr: ErrInvalidConfig,
		},
		{
			name: "build dependency cycle",
			files: map[string]string{
				"a": "module \"a\" {\n  build {\n    dependencies = [\"b\"]\n  }\n}\n",
				"b": "module \"b\" {\n  build {\n    dependencies = [\"a\"]\n  }\n}\n",
			},
			wantErr: ErrInvalidConfig,
		},
		{
			name:   "unknown service dependency",
			files: map[string]string{"a": `module "web" {
  service "web" {
    dependencies = ["cache"]
  }
}`},
			wantAs: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			for dir, content := range tt.files {
				writeModule(t, filepath.Join(root, dir), content)
			}

			_, err := Load(testContext(), root, nil)
			require.Error(t, err)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			}
			if tt.wantAs {
				var notFound *NotFoundError
				require.ErrorAs(t, err, &notFound)
				require.Equal(t, "cache", notFound.Name)
			}
		})
	}
}

func TestLoadSyntaxError(t *testing.T) {
	root := t.TempDir()
	writeModule(t, root, `module "web" {`)

	_, err := Load(testContext(), root, nil)
	require.ErrorContains(t, err, "failed to parse HCL file")
}

func TestSetNotFound(t *testing.T) {
	set, err := NewSet(&Module{Name: "web"}, &Module{Name: "api"})
	require.NoError(t, err)

	_, err = set.Module("worker")
	var notFound *NotFoundError
	require.True(t, errors.As(err, &notFound))
	require.Equal(t, "module", notFound.Kind)
	require.Equal(t, []string{"api", "web"}, notFound.Available)

	_, err = set.Modules("web", "worker")
	require.ErrorAs(t, err, &notFound)

	_, err = set.Service("web")
	require.ErrorAs(t, err, &notFound)
	require.Equal(t, "service", notFound.Kind)
}

func TestVersion(t *testing.T) {
	root := t.TempDir()
	libDir := filepath.Join(root, "lib")
	appDir := filepath.Join(root, "app")
	writeModule(t, libDir, `module "lib" {}`)
	writeModule(t, appDir, `module "app" {
  build { dependencies = ["lib"] }
}`)
	require.NoError(t, os.WriteFile(filepath.Join(libDir, "lib.go"), []byte("package lib"), 0644))

	load := func() *Set {
		set, err := Load(testContext(), root, nil)
		require.NoError(t, err)
		return set
	}

	set := load()
	appV1, err := set.Version("app")
	require.NoError(t, err)
	libV1, err := set.Version("lib")
	require.NoError(t, err)
	require.NotEqual(t, appV1, libV1)

	again, err := load().Version("app")
	require.NoError(t, err)
	require.Equal(t, appV1, again, "version must be stable for unchanged sources")

	// A dependency source change bumps the dependent's version
	require.NoError(t, os.WriteFile(filepath.Join(libDir, "lib.go"), []byte("package lib\n\nconst X = 1"), 0644))
	set = load()
	libV2, err := set.Version("lib")
	require.NoError(t, err)
	appV2, err := set.Version("app")
	require.NoError(t, err)
	require.NotEqual(t, libV1, libV2)
	require.NotEqual(t, appV1, appV2)

	_, err = set.Version("missing")
	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
}
