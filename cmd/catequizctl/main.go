// Command catequizctl runs repairs and diagnostics directly against the store.
package main

import (
	"fmt"
	"os"

	"catequiz.org/internal/app"
)

func main() {
	if err := newRootCmd(app.OpenStore).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
