package tactile

import (
	"os"
	"path/filepath"
)

// DetectChecks infers verification checks from marker files at root. Every
// detected command is within the baseline allow-list.
func DetectChecks(root string) []Check {
	exists := func(name string) bool {
		_, err := os.Stat(filepath.Join(root, name))
		return err == nil
	}

	var checks []Check
	if exists("tests") || exists("test") || exists("pytest.ini") {
		checks = append(checks, Check{Name: "pytest", Command: "pytest -x -q"})
	}
	if exists("ruff.toml") || exists("pyproject.toml") {
		checks = append(checks, Check{Name: "ruff", Command: "ruff check ."})
	}
	if exists("mypy.ini") {
		checks = append(checks, Check{Name: "mypy", Command: "mypy ."})
	}
	if exists("go.mod") {
		checks = append(checks,
			Check{Name: "go-vet", Command: "go vet ./..."},
			Check{Name: "go-test", Command: "go test ./..."},
		)
	}
	if exists("Cargo.toml") {
		checks = append(checks, Check{Name: "cargo-test", Command: "cargo test"})
	}
	if exists("package.json") {
		checks = append(checks, Check{Name: "npm-test", Command: "npm test"})
	}
	if exists("Makefile") {
		checks = append(checks, Check{Name: "make-test", Command: "make test"})
	}
	return checks
}
