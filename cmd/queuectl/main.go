package main

import (
	"context"
	"fmt"
	"io"
	"os"
)

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// run executes one queuectl invocation and releases the store whether or
// not the command succeeded.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	root, closeStore := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.ExecuteContext(ctx)
	if cerr := closeStore(); err == nil {
		err = cerr
	}
	return err
}
