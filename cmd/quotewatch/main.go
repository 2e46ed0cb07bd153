// Package main is the quotewatch service binary.
package main

import "github.com/jmansell/quotewatch/cmd"

func main() {
	cmd.Execute()
}
