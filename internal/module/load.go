package module

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"

	"github.com/aristath/devflow/internal/ctxlog"
)

// hclModuleFile is the top-level structure of a module.hcl file.
type hclModuleFile struct {
	Modules []*Module `hcl:"module,block"`
}

// Load finds every module.hcl under root and decodes it. Hidden directories
// and the directories in skip are not searched. Expressions may reference
// var.<name> (from vars) and env.<NAME> (from the process environment).
func Load(ctx context.Context, root string, vars map[string]string, skip ...string) (*Set, error) {
	logger := ctxlog.FromContext(ctx)

	files, err := findModuleFiles(root, skip)
	if err != nil {
		return nil, fmt.Errorf("scanning %s for modules: %w", root, err)
	}
	logger.Debug("found module files", "root", root, "files", len(files))

	evalCtx := newEvalContext(vars, os.Environ())
	parser := hclparse.NewParser()

	set := newSet()
	for _, path := range files {
		modules, err := parseFile(parser, path, evalCtx)
		if err != nil {
			return nil, err
		}
		for _, m := range modules {
			if err := set.add(m); err != nil {
				return nil, err
			}
		}
	}

	if err := set.resolve(); err != nil {
		return nil, err
	}
	logger.Debug("loaded modules", "modules", len(set.modules), "services", len(set.services))
	return set, nil
}

func parseFile(parser *hclparse.Parser, path string, evalCtx *hcl.EvalContext) ([]*Module, error) {
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %w", path, diags)
	}

	var parsed hclModuleFile
	if diags := gohcl.DecodeBody(file.Body, evalCtx, &parsed); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL file %s: %w", path, diags)
	}

	for _, m := range parsed.Modules {
		m.Path = filepath.Dir(path)
		m.ConfigFile = path
		if err := m.validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	return parsed.Modules, nil
}

func findModuleFiles(root string, skip []string) ([]string, error) {
	skipped := make(map[string]bool, len(skip))
	for _, dir := range skip {
		skipped[filepath.Clean(dir)] = true
	}

	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && (strings.HasPrefix(d.Name(), ".") || skipped[filepath.Clean(path)]) {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Name() == FileName {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// newEvalContext exposes vars as var.* and environ as env.*.
func newEvalContext(vars map[string]string, environ []string) *hcl.EvalContext {
	varVals := make(map[string]cty.Value, len(vars))
	for k, v := range vars {
		varVals[k] = cty.StringVal(v)
	}

	// Names that can't be traversed as attributes are left out
	envVals := make(map[string]cty.Value, len(environ))
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || !hclsyntax.ValidIdentifier(k) {
			continue
		}
		envVals[k] = cty.StringVal(v)
	}

	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"var": cty.ObjectVal(varVals),
			"env": cty.ObjectVal(envVals),
		},
	}
}
