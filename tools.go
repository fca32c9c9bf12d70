//go:build tools
// +build tools

// Package tools pins the development tooling (linting, junit / html test reports and
// module docs) to the module's dependency graph.
package tools

import (
	_ "github.com/ains/go-test-html"
	_ "github.com/illuscio-dev/docmodule-go"
	_ "github.com/jstemmer/go-junit-report"
	_ "github.com/mgechev/revive"
	_ "golang.org/x/tools/cmd/godoc"
)
