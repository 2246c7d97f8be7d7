// Package main provides the entry point for the sitecrawl CLI.
//
// sitecrawl walks every same-origin page reachable from a seed URL in a
// headless browser and reports broken links, failing resources and pages
// without a title.
//
// Usage:
//
//	sitecrawl https://example.com
//	sitecrawl --config crawl.yaml --format markdown --output audit.md
//
// See --help for all available options.
package main

func main() {
	Execute()
}
