// Command fanz-secure runs a demonstration API behind the Fanz security
// pipeline and offers configuration and token tooling for operators.
package main

// version can be set during build with -ldflags
var version = "dev"

func main() {
	rootCmd.Version = version
	Execute()
}
