// Command docgen builds docs/api.adoc from the @Title, @Route, @Description
// and @Response annotations on the API handlers.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

type Endpoint struct {
	Title       string
	Route       string
	Description string
	Response    string
}

// Method returns the HTTP method part of the route.
func (e Endpoint) Method() string {
	method, _, _ := strings.Cut(e.Route, " ")
	return method
}

// Path returns the route without its method.
func (e Endpoint) Path() string {
	_, path, found := strings.Cut(e.Route, " ")
	if !found {
		return e.Route
	}
	return path
}

var (
	reTitle = regexp.MustCompile(`^\s*// @Title: (.*)`)
	reRoute = regexp.MustCompile(`^\s*// @Route: (.*)`)
	reDesc  = regexp.MustCompile(`^\s*// @Description: (.*)`)
	reResp  = regexp.MustCompile(`^\s*// @Response: (.*)`)
)

func main() {
	apiDir := flag.String("src", "internal/api", "directory holding the annotated handlers")
	out := flag.String("out", "docs/api.adoc", "asciidoc file to write")
	flag.Parse()

	endpoints, err := collect(*apiDir)
	if err != nil {
		log.Fatalf("collect endpoints: %v", err)
	}

	f, err := os.Create(*out)
	if err != nil {
		log.Fatalf("create %s: %v", *out, err)
	}
	defer f.Close()
	if err := writeAsciidoc(f, endpoints); err != nil {
		log.Fatalf("write %s: %v", *out, err)
	}
	fmt.Printf("Generated %s (%d endpoints)\n", *out, len(endpoints))
}

// collect reads every non-test .go file in dir and returns the annotated
// endpoints ordered by path, then method.
func collect(dir string) ([]Endpoint, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var endpoints []Endpoint
	for _, file := range files {
		name := file.Name()
		if !strings.HasSuffix(name, ".go") || strings.HasSuffix(name, "_test.go") {
			continue
		}
		f, err := os.Open(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		eps, err := parse(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		endpoints = append(endpoints, eps...)
	}

	sort.SliceStable(endpoints, func(i, j int) bool {
		if endpoints[i].Path() != endpoints[j].Path() {
			return endpoints[i].Path() < endpoints[j].Path()
		}
		return endpoints[i].Method() < endpoints[j].Method()
	})
	return endpoints, nil
}

// parse scans one source file. @Response closes a block.
func parse(r io.Reader) ([]Endpoint, error) {
	var (
		endpoints []Endpoint
		current   Endpoint
	)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if match := reTitle.FindStringSubmatch(line); len(match) > 1 {
			current.Title = strings.TrimSpace(match[1])
		}
		if match := reRoute.FindStringSubmatch(line); len(match) > 1 {
			current.Route = strings.TrimSpace(match[1])
		}
		if match := reDesc.FindStringSubmatch(line); len(match) > 1 {
			current.Description = strings.TrimSpace(match[1])
		}
		if match := reResp.FindStringSubmatch(line); len(match) > 1 {
			current.Response = strings.TrimSpace(match[1])
			if current.Title != "" && current.Route != "" {
				endpoints = append(endpoints, current)
			}
			current = Endpoint{}
		}
	}
	return endpoints, scanner.Err()
}

func writeAsciidoc(w io.Writer, endpoints []Endpoint) error {
	var b strings.Builder
	b.WriteString("= mkl HTTP API\n")
	b.WriteString(":toc: left\n\n")
	b.WriteString("// Generated by cmd/docgen from handler annotations. Do not edit.\n\n")
	b.WriteString("All bodies are JSON. Amounts are decimal strings of the smallest currency unit and\n")
	b.WriteString("accounts are 0x-prefixed hex addresses. Errors are returned as `{\"error\": \"...\"}`.\n\n")

	b.WriteString("[cols=\"1,3,4\"]\n|===\n|Method |Path |Summary\n\n")
	for _, ep := range endpoints {
		fmt.Fprintf(&b, "|%s |`%s` |%s\n", ep.Method(), ep.Path(), ep.Title)
	}
	b.WriteString("|===\n")

	for _, ep := range endpoints {
		fmt.Fprintf(&b, "\n== %s\n\n", ep.Title)
		fmt.Fprintf(&b, "`%s`\n\n", ep.Route)
		if ep.Description != "" {
			fmt.Fprintf(&b, "%s\n\n", ep.Description)
		}
		fmt.Fprintf(&b, "Response::\n%s\n", asciidocLiteral(ep.Response))
	}

	_, err := io.WriteString(w, b.String())
	return err
}

// asciidocLiteral wraps JSON-looking examples in a code block.
func asciidocLiteral(s string) string {
	if strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[") {
		return "+\n[source,json]\n----\n" + s + "\n----"
	}
	return s
}
