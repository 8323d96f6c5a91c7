package main

import (
	"fmt"
	"os"
)

func usage() {
	fmt.Fprintln(os.Stderr, `usage: chanops <command> [flags]

commands:
  serve      run the MCP tool server and optional HTTP panel (default)
  validate   check a collection document (.json, .yaml or stdin)
  cook       sample a collection document over a time range
  diagram    draw the expression dependencies of a collection document
  version    print the version`)
}

func main() {
	cmd, args := "serve", os.Args[1:]
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	var code int
	switch cmd {
	case "serve":
		code = runServe(args)
	case "validate":
		code = runValidate(args)
	case "cook":
		code = runCook(args)
	case "diagram":
		code = runDiagram(args)
	case "version", "--version", "-v":
		printVersion()
	case "help", "--help", "-h":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		usage()
		code = 2
	}
	os.Exit(code)
}
