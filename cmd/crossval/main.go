// Package main provides the entry point for the crossval CLI.
package main

import "yqhp/crossval/cmd"

func main() {
	cmd.Execute()
}
