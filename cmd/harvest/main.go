// Package main provides the entry point for the harvest CLI.
//
// harvest logs into third-party web consoles, pages through their listings
// and stores every record once, however often the harvest runs.
//
// Usage:
//
//	harvest init
//	harvest run [flow...]
//	harvest history
//
// See --help for all available options.
package main

// main is the entry point for harvest.
func main() {
	Execute()
}
