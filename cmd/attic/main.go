// Command attic runs the self-hostable binary cache server.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/zhaofengli/attic/cmd"
)

func main() {
	if err := cmd.New().Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
