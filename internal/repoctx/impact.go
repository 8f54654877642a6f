package repoctx

import (
	"bufio"
	"go/parser"
	"go/token"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var pyImportRe = regexp.MustCompile(`(?m)^[ \t]*(?:from[ \t]+([\w.]+)[ \t]+import[ \t]|import[ \t]+([\w., \t]+))`)

// ImpactRadius expands changed paths with their direct imports, the files
// importing them and their likely tests. Python modules and Go packages are
// understood; other files contribute only themselves. Changed paths come
// first and the result never exceeds maxFiles.
func ImpactRadius(root string, tree, changed []string, maxFiles int) []string {
	if maxFiles < 1 {
		maxFiles = 1
	}
	inTree := make(map[string]bool, len(tree))
	for _, p := range tree {
		inTree[p] = true
	}

	idx := buildImportIndex(root, tree)

	var out []string
	seen := make(map[string]bool)
	add := func(p string) {
		if !seen[p] && inTree[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for _, p := range changed {
		add(p)
	}
	for _, p := range changed {
		if !inTree[p] {
			continue
		}
		for _, dep := range idx.deps[p] {
			add(dep)
		}
		for _, imp := range idx.importers[p] {
			add(imp)
		}
		for _, tp := range testCandidates(p) {
			add(tp)
		}
	}
	if len(out) > maxFiles {
		out = out[:maxFiles]
	}
	return out
}

// importIndex maps a file to the tracked files it imports and to the
// tracked files that import it. Both lists are sorted.
type importIndex struct {
	deps      map[string][]string
	importers map[string][]string
}

func buildImportIndex(root string, tree []string) importIndex {
	pyModules := make(map[string]string)
	goDirs := make(map[string][]string)
	for _, p := range tree {
		switch {
		case strings.HasSuffix(p, ".py"):
			if mod := pythonModule(p); mod != "" {
				pyModules[mod] = p
			}
		case strings.HasSuffix(p, ".go") && !strings.HasSuffix(p, "_test.go"):
			dir := path.Dir(p)
			goDirs[dir] = append(goDirs[dir], p)
		}
	}
	goModule := readModulePath(filepath.Join(root, "go.mod"))

	deps := make(map[string]map[string]bool)
	link := func(from, to string) {
		if from == to {
			return
		}
		if deps[from] == nil {
			deps[from] = make(map[string]bool)
		}
		deps[from][to] = true
	}

	for _, p := range tree {
		abs := filepath.Join(root, filepath.FromSlash(p))
		switch {
		case strings.HasSuffix(p, ".py"):
			for _, mod := range pythonImports(abs) {
				if dep, ok := resolvePythonModule(mod, pyModules); ok {
					link(p, dep)
				}
			}
		case strings.HasSuffix(p, ".go") && goModule != "":
			for _, imp := range goImports(abs) {
				rel, ok := strings.CutPrefix(imp, goModule)
				if !ok || (rel != "" && !strings.HasPrefix(rel, "/")) {
					continue
				}
				dir := strings.TrimPrefix(rel, "/")
				if dir == "" {
					dir = "."
				}
				for _, dep := range goDirs[dir] {
					link(p, dep)
				}
			}
		}
	}

	idx := importIndex{deps: make(map[string][]string), importers: make(map[string][]string)}
	for from, tos := range deps {
		for to := range tos {
			idx.deps[from] = append(idx.deps[from], to)
			idx.importers[to] = append(idx.importers[to], from)
		}
	}
	for _, m := range []map[string][]string{idx.deps, idx.importers} {
		for k := range m {
			sort.Strings(m[k])
		}
	}
	return idx
}

func pythonModule(p string) string {
	p = strings.TrimSuffix(p, ".py")
	p = strings.TrimSuffix(p, "/__init__")
	return strings.Trim(strings.ReplaceAll(p, "/", "."), ".")
}

func pythonImports(abs string) []string {
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil
	}
	var mods []string
	for _, m := range pyImportRe.FindAllStringSubmatch(string(data), -1) {
		if from := strings.TrimSpace(m[1]); from != "" {
			mods = append(mods, from)
			continue
		}
		for _, part := range strings.Split(m[2], ",") {
			mod, _, _ := strings.Cut(strings.TrimSpace(part), " as ")
			if mod = strings.TrimSpace(mod); mod != "" {
				mods = append(mods, mod)
			}
		}
	}
	return mods
}

// resolvePythonModule maps a dotted module to its file, falling back to
// the longest tracked parent package.
func resolvePythonModule(mod string, modules map[string]string) (string, bool) {
	parts := strings.Split(mod, ".")
	for i := len(parts); i > 0; i-- {
		if p, ok := modules[strings.Join(parts[:i], ".")]; ok {
			return p, true
		}
	}
	return "", false
}

func goImports(abs string) []string {
	f, err := parser.ParseFile(token.NewFileSet(), abs, nil, parser.ImportsOnly)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(f.Imports))
	for _, imp := range f.Imports {
		if p, err := strconv.Unquote(imp.Path.Value); err == nil {
			out = append(out, p)
		}
	}
	return out
}

func readModulePath(gomod string) string {
	fh, err := os.Open(gomod)
	if err != nil {
		return ""
	}
	defer fh.Close()
	sc := bufio.NewScanner(fh)
	for sc.Scan() {
		if rest, ok := strings.CutPrefix(strings.TrimSpace(sc.Text()), "module "); ok {
			return strings.Trim(strings.TrimSpace(rest), `"`)
		}
	}
	return ""
}

// testCandidates lists conventional test locations for a source file.
func testCandidates(p string) []string {
	dir, base := path.Split(p)
	dir = strings.TrimSuffix(dir, "/")
	switch {
	case strings.HasSuffix(base, ".go"):
		if strings.HasSuffix(base, "_test.go") {
			return nil
		}
		return []string{path.Join(dir, strings.TrimSuffix(base, ".go")+"_test.go")}
	case strings.HasSuffix(base, ".py"):
		stem := strings.TrimSuffix(base, ".py")
		if stem == "__init__" {
			stem = path.Base(dir)
		}
		if strings.HasPrefix(stem, "test_") {
			return nil
		}
		name := "test_" + stem + ".py"
		return []string{
			path.Join("tests", name),
			path.Join("tests", dir, name),
			path.Join("test", name),
			path.Join(dir, name),
		}
	}
	return nil
}
