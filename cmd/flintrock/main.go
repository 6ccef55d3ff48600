// Command flintrock launches and manages Spark (and optionally HDFS)
// clusters on EC2. This is the CLI composition root: it binds cobra
// flags into config's option structs and wires an orchestrator.Orchestrator
// per invocation, matching spec.md §6's command surface and exit-code
// contract.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

func main() {
	logger := logrus.StandardLogger()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	root := newRootCommand(logger)
	if err := root.Execute(); err != nil {
		code := exitCodeFor(err)
		fmt.Fprintln(os.Stderr, "flintrock:", err)
		os.Exit(code)
	}
}
