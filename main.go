// Dossio is a multi-source person analysis server: it turns one request
// into a DAG of typed cards, streams partial results over SSE as they
// complete, and caches finished reports with stale-while-revalidate reuse.
package main

import (
	"os"

	"dossio.org/cli"
)

func main() {
	if err := cli.RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
